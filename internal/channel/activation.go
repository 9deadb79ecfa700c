package channel

import (
	"sort"
	"strings"
	"sync"
)

// Activation is the set of chats the bot takes part in. An empty set means
// every chat is active.
type Activation struct {
	mu    sync.RWMutex
	chats map[string]struct{}
}

func NewActivation(chatIDs []string) *Activation {
	a := &Activation{chats: make(map[string]struct{})}
	for _, id := range chatIDs {
		a.Activate(id)
	}
	return a
}

// Activate reports whether id was newly added.
func (a *Activation) Activate(chatID string) bool {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.chats[chatID]; ok {
		return false
	}
	a.chats[chatID] = struct{}{}
	return true
}

// Deactivate reports whether id was present. Removing the last chat makes
// every chat active again.
func (a *Activation) Deactivate(chatID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.chats[chatID]; !ok {
		return false
	}
	delete(a.chats, chatID)
	return true
}

func (a *Activation) IsActive(chatID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.chats) == 0 {
		return true
	}
	_, ok := a.chats[chatID]
	return ok
}

func (a *Activation) List() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.chats))
	for id := range a.chats {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
