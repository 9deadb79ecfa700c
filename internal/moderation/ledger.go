package moderation

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity maps free text to a severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(s)
	}
	return SeverityMedium
}

const (
	// MaxHistory is the number of violations retained per author.
	MaxHistory = 10
	// CountWindow is the look-back used for escalation counts.
	CountWindow = 24 * time.Hour
)

type ViolationRecord struct {
	ID           string
	Timestamp    time.Time
	ChannelID    string
	RuleViolated string
	Severity     Severity
}

// WarningCooldown suppresses casual engagement with a recently warned author.
// It expires by time and is never deleted explicitly.
type WarningCooldown struct {
	IssuedAt time.Time
	Duration time.Duration
	Rule     string
}

func (c WarningCooldown) Active(now time.Time) bool {
	return now.Sub(c.IssuedAt) < c.Duration
}

func (c WarningCooldown) Remaining(now time.Time) time.Duration {
	if !c.Active(now) {
		return 0
	}
	return c.Duration - now.Sub(c.IssuedAt)
}

// Ledger keeps per-author violation history and warning cooldowns in memory.
type Ledger struct {
	mu        sync.Mutex
	history   map[string][]ViolationRecord
	cooldowns map[string]WarningCooldown
	now       func() time.Time
	entropy   *rand.Rand
}

func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		history:   make(map[string][]ViolationRecord),
		cooldowns: make(map[string]WarningCooldown),
		now:       now,
		entropy:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Record appends a confirmed violation, evicting the oldest beyond MaxHistory.
func (l *Ledger) Record(authorID, channelID, rule string, severity Severity) ViolationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec := ViolationRecord{
		ID:           ulid.MustNew(ulid.Timestamp(now), l.entropy).String(),
		Timestamp:    now,
		ChannelID:    channelID,
		RuleViolated: rule,
		Severity:     severity,
	}
	h := append(l.history[authorID], rec)
	if len(h) > MaxHistory {
		h = append([]ViolationRecord(nil), h[len(h)-MaxHistory:]...)
	}
	l.history[authorID] = h
	return rec
}

// Count returns the author's violations recorded within window.
func (l *Ledger) Count(authorID string, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	n := 0
	for _, v := range l.history[authorID] {
		if !v.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

func (l *Ledger) History(authorID string) []ViolationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ViolationRecord(nil), l.history[authorID]...)
}

// Reset clears an author's violation history and returns how many entries
// were dropped. Active cooldowns run out on their own.
func (l *Ledger) Reset(authorID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.history[authorID])
	delete(l.history, authorID)
	return n
}

func (l *Ledger) SetCooldown(authorID string, d time.Duration, rule string) WarningCooldown {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := WarningCooldown{IssuedAt: l.now(), Duration: d, Rule: rule}
	l.cooldowns[authorID] = c
	return c
}

func (l *Ledger) ActiveCooldown(authorID string) (WarningCooldown, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.cooldowns[authorID]
	if !ok || !c.Active(l.now()) {
		return WarningCooldown{}, false
	}
	return c, true
}

type LedgerStats struct {
	Authors         int
	Violations      int
	Recent          int
	ActiveCooldowns int
}

func (l *Ledger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-CountWindow)
	var s LedgerStats
	for _, h := range l.history {
		if len(h) == 0 {
			continue
		}
		s.Authors++
		s.Violations += len(h)
		for _, v := range h {
			if !v.Timestamp.Before(cutoff) {
				s.Recent++
			}
		}
	}
	for _, c := range l.cooldowns {
		if c.Active(now) {
			s.ActiveCooldowns++
		}
	}
	return s
}
