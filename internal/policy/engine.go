// Package policy decides whether the bot should take part in a conversation
// and, when it does, what kind of reply to give.
package policy

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/addressing"
	"github.com/qooode/solbot/internal/config"
	"github.com/qooode/solbot/internal/history"
	"github.com/qooode/solbot/internal/moderation"
	"github.com/qooode/solbot/internal/oracle"
)

const (
	followUpMaxWords  = 5
	followUpLookback  = 3
	overlapMaxWords   = 15
	overlapLookback   = 10
	overlapMinLength  = 4
	respondContextMax = 20
)

// ContextSource is the slice of the context tracker the engine reads.
type ContextSource interface {
	GetContext(authorID, channelID string, extended bool) []history.Entry
	RecentChannelMessages(channelID string, count int) []history.Record
}

// CooldownSource reports warnings still suppressing casual engagement.
type CooldownSource interface {
	ActiveCooldown(authorID string) (moderation.WarningCooldown, bool)
}

type Message struct {
	AuthorID   string
	ChannelID  string
	Content    string
	Addressing addressing.Result
}

type Decision struct {
	ShouldRespond  bool           `json:"shouldRespond"`
	Reason         string         `json:"reason"`
	ResponseType   ResponseType   `json:"responseType,omitempty"`
	ResponseLength ResponseLength `json:"responseLength,omitempty"`
}

type Timeouts struct {
	Respond time.Duration
	Style   time.Duration
}

type Engine struct {
	context     ContextSource
	cooldowns   CooldownSource
	oracle      oracle.Completer
	timeouts    Timeouts
	personality func() config.PersonalityConfig
	name        string
	now         func() time.Time
	logger      *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Options struct {
	Context   ContextSource
	Cooldowns CooldownSource
	Oracle    oracle.Completer
	Timeouts  Timeouts
	// Personality is read per decision so config reloads apply.
	Personality func() config.PersonalityConfig
	Name        string
	Rand        *rand.Rand
	Now         func() time.Time
	Logger      *zap.Logger
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		context:     opts.Context,
		cooldowns:   opts.Cooldowns,
		oracle:      opts.Oracle,
		timeouts:    opts.Timeouts,
		personality: opts.Personality,
		name:        opts.Name,
		rng:         opts.Rand,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if e.timeouts.Respond <= 0 {
		e.timeouts.Respond = time.Duration(config.DefaultRespondTimeoutMs) * time.Millisecond
	}
	if e.timeouts.Style <= 0 {
		e.timeouts.Style = time.Duration(config.DefaultStyleTimeoutMs) * time.Millisecond
	}
	if e.personality == nil {
		e.personality = func() config.PersonalityConfig {
			return config.PersonalityConfig{Chatty: config.DefaultChatty, Patience: config.DefaultPatience, Formality: config.DefaultFormality}
		}
	}
	if e.name == "" {
		e.name = config.DefaultName
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("policy")
	return e
}

// Decide runs the respond decision and, when positive, picks a reply type and
// length.
func (e *Engine) Decide(ctx context.Context, m Message) Decision {
	respond, reason := e.ShouldRespond(ctx, m)
	d := Decision{ShouldRespond: respond, Reason: reason}
	if !respond {
		return d
	}
	var recent []history.Entry
	if e.context != nil {
		recent = e.context.GetContext(m.AuthorID, m.ChannelID, false)
	}
	d.ResponseType = e.DetermineResponseType(ctx, m.Content, recent)
	d.ResponseLength = e.DecideResponseLength(d.ResponseType, m.Content)
	return d
}

// ShouldRespond applies, in order: empty content, warning cooldown,
// addressing outcome, short follow-up, overlap with the bot's recent
// messages, and finally the oracle. The oracle path answers yes on failure.
func (e *Engine) ShouldRespond(ctx context.Context, m Message) (bool, string) {
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return false, "Empty message"
	}

	if e.cooldowns != nil && !m.Addressing.DirectlyAddressed() {
		if c, ok := e.cooldowns.ActiveCooldown(m.AuthorID); ok {
			return false, fmt.Sprintf("Author was recently warned (%s); cooldown ends in %s",
				c.Rule, c.Remaining(e.now()).Round(time.Second))
		}
	}

	switch m.Addressing.Outcome {
	case addressing.Engage, addressing.Ignore:
		return m.Addressing.Outcome == addressing.Engage, m.Addressing.Reason
	}

	words := strings.Fields(strings.ToLower(content))
	question := strings.Contains(content, "?")

	if question && len(words) <= followUpMaxWords && e.context != nil {
		for _, r := range e.context.RecentChannelMessages(m.ChannelID, followUpLookback) {
			if r.Role == history.RoleAgent {
				return true, fmt.Sprintf("Short follow-up question to %s's previous message", e.name)
			}
		}
	}

	if question && len(words) <= overlapMaxWords && e.context != nil {
		if term, ok := e.overlapsAgent(m.ChannelID, words); ok {
			e.logger.Debug("question overlaps recent agent message", zap.String("term", term))
			return true, fmt.Sprintf("Question about something %s previously mentioned", e.name)
		}
	}

	return e.askOracle(ctx, m, content)
}

func (e *Engine) overlapsAgent(channelID string, words []string) (string, bool) {
	asked := tokens(words)
	if len(asked) == 0 {
		return "", false
	}
	for _, r := range e.context.RecentChannelMessages(channelID, overlapLookback) {
		if r.Role != history.RoleAgent {
			continue
		}
		for t := range tokens(strings.Fields(strings.ToLower(r.Content))) {
			if _, ok := asked[t]; ok {
				return t, true
			}
		}
	}
	return "", false
}

func tokens(words []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len([]rune(w)) >= overlapMinLength {
			out[w] = struct{}{}
		}
	}
	return out
}

func (e *Engine) askOracle(ctx context.Context, m Message, content string) (bool, string) {
	var recent []history.Entry
	if e.context != nil {
		recent = e.context.GetContext(m.AuthorID, m.ChannelID, true)
	}
	if len(recent) > respondContextMax {
		recent = recent[len(recent)-respondContextMax:]
	}

	prompt := e.respondPrompt(content, recent, m.Addressing.Signals)
	reply, err := oracle.Ask(ctx, e.oracle, e.timeouts.Respond, oracle.Prompt(prompt))
	if err != nil {
		e.logger.Debug("respond oracle failed", zap.String("author", m.AuthorID), zap.Error(err))
		return true, "Oracle unavailable, defaulting to respond"
	}
	should, err := oracle.Field(reply, "should_respond")
	if err != nil || !should.Exists() {
		e.logger.Debug("respond reply unparsable", zap.String("author", m.AuthorID), zap.String("reply", reply))
		return true, "Oracle reply unclear, defaulting to respond"
	}
	reason, _ := oracle.Field(reply, "reason")
	why := strings.TrimSpace(reason.String())
	if why == "" {
		why = "Oracle decision"
	}
	return should.Bool(), why
}

func (e *Engine) respondPrompt(content string, recent []history.Entry, s addressing.Signals) string {
	chatty := e.personality().Chatty
	desc := "very chatty and eager to join most conversations, with natural and varied casual language"
	switch {
	case chatty < 0.3:
		desc = "reserved, only answering when clearly addressed or asked a direct question"
	case chatty < 0.6:
		desc = "moderately social, sometimes joining conversations that seem interesting"
	}

	var lines []string
	for _, m := range recent {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}

	var signals []string
	if s.IsMentioned() {
		signals = append(signals, "- The message mentions you directly")
	}
	if s.IsDM {
		signals = append(signals, "- This is a direct message")
	}
	if strings.Contains(content, "?") {
		signals = append(signals, "- The message contains a question")
	}
	if len(signals) == 0 {
		signals = append(signals, "- Nobody in particular is addressed")
	}

	return fmt.Sprintf(`You are %s, a member of a group chat. Decide whether replying to the last message would add value.

RESPONSE PROFILE:
- Responsiveness: %s
- Target response rate: about %d%% of messages

GUIDELINES:
- Do not repeat an answer another member already gave.
- Do not reply to messages clearly aimed at other members.
- If someone follows up on something you said, reply.
- Never reply only to agree with someone.
- Do not invent facts.

SIGNALS:
%s

RECENT CONVERSATION:
%s

LAST MESSAGE:
%s

Respond with JSON: {"should_respond": true/false, "reason": "brief explanation"}`,
		e.name, desc, int(chatty*100), strings.Join(signals, "\n"), strings.Join(lines, "\n"), content)
}
