// Package history keeps bounded, time-decayed conversation logs per
// (author, channel) pair and detects multi-message bursts.
package history

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/oracle"
)

type Role string

const (
	RoleAuthor Role = "user"
	RoleAgent  Role = "assistant"
)

const (
	// AgentAuthorID marks records written by the bot itself.
	AgentAuthorID = "agent"

	BurstThreshold     = 15 * time.Second
	MaxExtendedContext = 100

	minWindow = 5
	maxWindow = 50
)

// Record is immutable once stored.
type Record struct {
	Timestamp time.Time
	Content   string
	Role      Role
	AuthorID  string
	ChannelID string
}

// Entry is the role/content view handed to generation and decision prompts.
type Entry struct {
	Role    Role
	Content string
}

type key struct {
	author  string
	channel string
}

type bucket struct {
	mu         sync.Mutex
	records    []Record
	lastAuthor time.Time
	burstStart time.Time
}

type Options struct {
	Window int
	// MaxAge of zero disables age pruning.
	MaxAge          time.Duration
	Now             func() time.Time
	Oracle          oracle.Completer
	PatienceTimeout time.Duration
	// Patience returns the configured 1-10 patience level.
	Patience func() int
	Name     string
	Logger   *zap.Logger
}

type Tracker struct {
	mu      sync.RWMutex
	buckets map[key]*bucket

	window atomic.Int64
	maxAge atomic.Int64

	now             func() time.Time
	oracle          oracle.Completer
	patienceTimeout time.Duration
	patience        func() int
	name            string
	logger          *zap.Logger
}

func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		buckets:         make(map[key]*bucket),
		now:             opts.Now,
		oracle:          opts.Oracle,
		patienceTimeout: opts.PatienceTimeout,
		patience:        opts.Patience,
		name:            opts.Name,
		logger:          opts.Logger,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.patienceTimeout <= 0 {
		t.patienceTimeout = time.Second
	}
	if t.patience == nil {
		t.patience = func() int { return 5 }
	}
	if t.name == "" {
		t.name = "sol"
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	t.logger = t.logger.Named("history")
	t.SetWindow(opts.Window)
	t.SetMaxAge(opts.MaxAge)
	return t
}

// SetWindow changes the per-bucket cap, clamped to 5..50. Existing buckets
// shrink on their next write.
func (t *Tracker) SetWindow(n int) {
	if n < minWindow {
		n = minWindow
	}
	if n > maxWindow {
		n = maxWindow
	}
	t.window.Store(int64(n))
}

func (t *Tracker) Window() int { return int(t.window.Load()) }

func (t *Tracker) SetMaxAge(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.maxAge.Store(int64(d))
}

func (t *Tracker) MaxAge() time.Duration { return time.Duration(t.maxAge.Load()) }

func (t *Tracker) bucket(authorID, channelID string, create bool) *bucket {
	k := key{author: authorID, channel: channelID}
	t.mu.RLock()
	b, ok := t.buckets[k]
	t.mu.RUnlock()
	if ok || !create {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.buckets[k]; !ok {
		b = &bucket{}
		t.buckets[k] = b
	}
	return b
}

// AddMessage records an author message and reports whether it continues a
// burst, i.e. arrived less than BurstThreshold after the author's previous
// message in this channel.
func (t *Tracker) AddMessage(authorID, content, channelID string) bool {
	b := t.bucket(authorID, channelID, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := t.now()
	isBurst := false
	if !b.lastAuthor.IsZero() {
		if now.Sub(b.lastAuthor) < BurstThreshold {
			isBurst = true
			if b.burstStart.IsZero() {
				b.burstStart = b.lastAuthor
			}
		} else {
			b.burstStart = time.Time{}
		}
	}
	b.lastAuthor = now

	b.prune(now, t.MaxAge())
	b.append(Record{
		Timestamp: now,
		Content:   content,
		Role:      RoleAuthor,
		AuthorID:  authorID,
		ChannelID: channelID,
	}, t.Window())
	return isBurst
}

// AddAgentResponse records the bot's reply in the author's bucket. It does not
// touch burst state and does not prune by age.
func (t *Tracker) AddAgentResponse(authorID, content, channelID string) {
	b := t.bucket(authorID, channelID, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.append(Record{
		Timestamp: t.now(),
		Content:   content,
		Role:      RoleAgent,
		AuthorID:  AgentAuthorID,
		ChannelID: channelID,
	}, t.Window())
}

// GetContext returns the bucket's most recent entries, oldest first: at most
// the window normally, or up to MaxExtendedContext when extended is set.
func (t *Tracker) GetContext(authorID, channelID string, extended bool) []Entry {
	b := t.bucket(authorID, channelID, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(t.now(), t.MaxAge())
	limit := t.Window()
	if extended {
		limit = MaxExtendedContext
	}
	recs := b.records
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]Entry, len(recs))
	for i, r := range recs {
		out[i] = Entry{Role: r.Role, Content: r.Content}
	}
	return out
}

// Records returns a copy of the bucket's records, oldest first.
func (t *Tracker) Records(authorID, channelID string) []Record {
	b := t.bucket(authorID, channelID, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.records...)
}

// BurstStart reports when the current burst began, if one is active.
func (t *Tracker) BurstStart(authorID, channelID string) (time.Time, bool) {
	b := t.bucket(authorID, channelID, false)
	if b == nil {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.burstStart, !b.burstStart.IsZero()
}

// RecentChannelMessages merges every bucket for channelID and returns the
// newest count records, newest first. The scan is not a snapshot; a record
// appended concurrently may or may not be included.
func (t *Tracker) RecentChannelMessages(channelID string, count int) []Record {
	if count <= 0 {
		return nil
	}
	t.mu.RLock()
	var matched []*bucket
	for k, b := range t.buckets {
		if k.channel == channelID {
			matched = append(matched, b)
		}
	}
	t.mu.RUnlock()

	var all []Record
	for _, b := range matched {
		b.mu.Lock()
		all = append(all, b.records...)
		b.mu.Unlock()
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

func (t *Tracker) Clear(authorID, channelID string) {
	k := key{author: authorID, channel: channelID}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, k)
}

// PruneAll drops aged records from every bucket and forgets buckets that are
// empty and idle past the max age. It returns the number of records removed.
func (t *Tracker) PruneAll() int {
	maxAge := t.MaxAge()
	if maxAge <= 0 {
		return 0
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, b := range t.buckets {
		b.mu.Lock()
		removed += b.prune(now, maxAge)
		idle := len(b.records) == 0 && now.Sub(b.lastAuthor) >= maxAge
		b.mu.Unlock()
		if idle {
			delete(t.buckets, k)
		}
	}
	if removed > 0 {
		t.logger.Debug("pruned context", zap.Int("records", removed))
	}
	return removed
}

type Stats struct {
	Buckets int
	Records int
}

func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{Buckets: len(t.buckets)}
	for _, b := range t.buckets {
		b.mu.Lock()
		s.Records += len(b.records)
		b.mu.Unlock()
	}
	return s
}

// append keeps timestamps non-decreasing and trims to window.
func (b *bucket) append(r Record, window int) {
	if n := len(b.records); n > 0 && r.Timestamp.Before(b.records[n-1].Timestamp) {
		r.Timestamp = b.records[n-1].Timestamp
	}
	b.records = append(b.records, r)
	if len(b.records) > window {
		b.records = append([]Record(nil), b.records[len(b.records)-window:]...)
	}
}

func (b *bucket) prune(now time.Time, maxAge time.Duration) int {
	if maxAge <= 0 || len(b.records) == 0 {
		return 0
	}
	kept := b.records[:0]
	for _, r := range b.records {
		if now.Sub(r.Timestamp) < maxAge {
			kept = append(kept, r)
		}
	}
	removed := len(b.records) - len(kept)
	clear(b.records[len(kept):])
	b.records = kept
	return removed
}
