package addressing

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultDirectoryCap = 500

type Participant struct {
	ID       string
	Name     string
	LastSeen time.Time
}

// Directory remembers who has spoken in each channel so that name-based
// addressing ("alex, look at this") can be recognized. Each channel keeps at
// most cap participants; the least recently seen is evicted first.
type Directory struct {
	mu       sync.RWMutex
	channels map[string]map[string]Participant
	cap      int
	now      func() time.Time
}

func NewDirectory(capPerChannel int, now func() time.Time) *Directory {
	if capPerChannel <= 0 {
		capPerChannel = defaultDirectoryCap
	}
	if now == nil {
		now = time.Now
	}
	return &Directory{
		channels: make(map[string]map[string]Participant),
		cap:      capPerChannel,
		now:      now,
	}
}

func (d *Directory) Observe(channelID, id, name string) {
	name = strings.TrimSpace(name)
	if id == "" || name == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	members, ok := d.channels[channelID]
	if !ok {
		members = make(map[string]Participant)
		d.channels[channelID] = members
	}
	members[id] = Participant{ID: id, Name: name, LastSeen: d.now()}

	if len(members) > d.cap {
		var oldest Participant
		for _, p := range members {
			if oldest.ID == "" || p.LastSeen.Before(oldest.LastSeen) {
				oldest = p
			}
		}
		delete(members, oldest.ID)
	}
}

// Participants lists a channel's known members, most recently seen first.
func (d *Directory) Participants(channelID string) []Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members := d.channels[channelID]
	out := make([]Participant, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

func (d *Directory) Lookup(channelID, id string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.channels[channelID][id]
	return p, ok
}
