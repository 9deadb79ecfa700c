// Package addressing decides, without any remote calls, whether a message is
// aimed at the bot, at another participant, or at nobody in particular.
package addressing

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

type Outcome int

const (
	// Defer leaves the decision to the policy engine.
	Defer Outcome = iota
	Engage
	Ignore
)

func (o Outcome) String() string {
	switch o {
	case Engage:
		return "engage"
	case Ignore:
		return "ignore"
	default:
		return "defer"
	}
}

// Identity is the bot as the chat platform sees it.
type Identity struct {
	ID    string
	Name  string
	Roles []string
}

// ReplyLookup fetches the author of a replied-to message.
type ReplyLookup interface {
	ReplyAuthor(ctx context.Context, chatID, messageID string) (id, name string, err error)
}

type Input struct {
	AuthorID     string
	ChannelID    string
	Content      string
	Mentions     []string
	MentionNames []string
	RoleMentions []string
	ReplyToID    string
	// ReplyToAuthorID/Name short-circuit the lookup when already known.
	ReplyToAuthorID   string
	ReplyToAuthorName string
	IsDM              bool
}

type Signals struct {
	ExplicitMention bool
	NamePrefix      bool
	RoleMention     bool
	RepliesToAgent  bool
	RepliesToOther  bool
	ReplyTargetName string
	AddressesOther  bool
	OtherName       string
	IsDM            bool
}

// IsMentioned is true for an explicit mention, a reply to the bot, a message
// opening with the bot's name, or a mention of a role the bot holds.
func (s Signals) IsMentioned() bool {
	return s.ExplicitMention || s.RepliesToAgent || s.NamePrefix || s.RoleMention
}

// DirectlyAddressed adds direct messages to IsMentioned.
func (s Signals) DirectlyAddressed() bool {
	return s.IsMentioned() || s.IsDM
}

type Result struct {
	Signals
	Outcome Outcome
	Reason  string
}

type Resolver struct {
	self      Identity
	directory *Directory
	lookup    ReplyLookup
}

func NewResolver(self Identity, directory *Directory, lookup ReplyLookup) *Resolver {
	return &Resolver{self: self, directory: directory, lookup: lookup}
}

func (r *Resolver) Self() Identity { return r.self }

// Resolve computes the addressing signals and applies them in priority order:
// reply to the bot, reply to someone else, address to someone else, direct
// mention or DM, and otherwise Defer.
func (r *Resolver) Resolve(ctx context.Context, in Input) Result {
	s := r.Signals(ctx, in)
	res := Result{Signals: s}
	name := r.displayName()

	switch {
	case s.RepliesToAgent:
		res.Outcome = Engage
		res.Reason = fmt.Sprintf("Message is a reply to %s's previous message", name)
	case s.RepliesToOther && !s.IsMentioned():
		res.Outcome = Ignore
		if s.ReplyTargetName != "" {
			res.Reason = fmt.Sprintf("Message is replying to %s, not to %s", s.ReplyTargetName, name)
		} else {
			res.Reason = fmt.Sprintf("Message is replying to someone else, not to %s", name)
		}
	case s.AddressesOther && !s.IsMentioned():
		res.Outcome = Ignore
		res.Reason = fmt.Sprintf("Message appears to be addressed to %s, not %s", s.OtherName, name)
	case s.IsMentioned():
		res.Outcome = Engage
		res.Reason = fmt.Sprintf("%s was mentioned directly", name)
	case s.IsDM:
		res.Outcome = Engage
		res.Reason = "Direct message"
	default:
		res.Outcome = Defer
	}
	return res
}

func (r *Resolver) Signals(ctx context.Context, in Input) Signals {
	s := Signals{IsDM: in.IsDM}
	lower := strings.ToLower(strings.TrimSpace(in.Content))

	if r.self.ID != "" && slices.Contains(in.Mentions, r.self.ID) {
		s.ExplicitMention = true
	}
	name := strings.ToLower(r.self.Name)
	if name != "" {
		if containsWord(lower, "@"+name) {
			s.ExplicitMention = true
		}
		for _, m := range in.MentionNames {
			if strings.EqualFold(strings.TrimPrefix(m, "@"), r.self.Name) {
				s.ExplicitMention = true
			}
		}
		s.NamePrefix = hasNamePrefix(lower, name)
	}
	for _, role := range in.RoleMentions {
		if slices.Contains(r.self.Roles, role) {
			s.RoleMention = true
			break
		}
	}

	if strings.TrimSpace(in.ReplyToID) != "" {
		id, targetName := r.replyAuthor(ctx, in)
		if id != "" && id == r.self.ID {
			s.RepliesToAgent = true
		} else {
			s.RepliesToOther = true
			s.ReplyTargetName = targetName
		}
	}

	if !s.IsMentioned() {
		s.AddressesOther, s.OtherName = r.addressesOther(in, lower)
	}
	return s
}

// replyAuthor resolves who wrote the replied-to message. A failed lookup
// yields an empty id, which callers treat as a reply to someone else.
func (r *Resolver) replyAuthor(ctx context.Context, in Input) (string, string) {
	if in.ReplyToAuthorID != "" {
		return in.ReplyToAuthorID, in.ReplyToAuthorName
	}
	if r.lookup == nil {
		return "", ""
	}
	id, name, err := r.lookup.ReplyAuthor(ctx, in.ChannelID, in.ReplyToID)
	if err != nil {
		return "", ""
	}
	return id, name
}

func (r *Resolver) addressesOther(in Input, lower string) (bool, string) {
	for _, id := range in.Mentions {
		if id == r.self.ID || id == in.AuthorID {
			continue
		}
		name := id
		if r.directory != nil {
			if p, ok := r.directory.Lookup(in.ChannelID, id); ok {
				name = p.Name
			}
		}
		return true, name
	}
	for _, m := range in.MentionNames {
		m = strings.TrimPrefix(m, "@")
		if m != "" && !strings.EqualFold(m, r.self.Name) {
			return true, m
		}
	}
	if r.directory == nil {
		return false, ""
	}
	for _, p := range r.directory.Participants(in.ChannelID) {
		if p.ID == r.self.ID || p.ID == in.AuthorID {
			continue
		}
		if addresses(lower, strings.ToLower(p.Name)) {
			return true, p.Name
		}
	}
	return false, ""
}

func (r *Resolver) displayName() string {
	if r.self.Name == "" {
		return "the bot"
	}
	return r.self.Name
}

// addresses matches the common ways of speaking to someone by name.
func addresses(lower, name string) bool {
	if len([]rune(name)) < 2 {
		return false
	}
	return strings.HasPrefix(lower, name+" ") ||
		strings.HasPrefix(lower, name+",") ||
		strings.HasPrefix(lower, name+":") ||
		containsWord(lower, "@"+name) ||
		containsWord(lower, ", "+name) ||
		containsWord(lower, "hey "+name) ||
		containsWord(lower, "hi "+name)
}

// containsWord reports whether needle occurs in lower without running into a
// following letter or digit, so "hi max" does not match "hi maxine".
func containsWord(lower, needle string) bool {
	for from := 0; ; {
		i := strings.Index(lower[from:], needle)
		if i < 0 {
			return false
		}
		end := from + i + len(needle)
		if end == len(lower) {
			return true
		}
		next, _ := utf8.DecodeRuneInString(lower[end:])
		if !unicode.IsLetter(next) && !unicode.IsDigit(next) {
			return true
		}
		from += i + 1
	}
}

// hasNamePrefix reports whether lower opens with name (optionally '@'-led)
// followed by the end of the text, whitespace or one of , : ! ?.
// "sol's point" and "sol-gel" are talking about something, not to the agent.
func hasNamePrefix(lower, name string) bool {
	lower = strings.TrimPrefix(lower, "@")
	if !strings.HasPrefix(lower, name) {
		return false
	}
	rest := lower[len(name):]
	if rest == "" {
		return true
	}
	next, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsSpace(next) || strings.ContainsRune(",:!?", next)
}
