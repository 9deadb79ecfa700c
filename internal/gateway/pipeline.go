package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/addressing"
	"github.com/qooode/solbot/internal/bus"
	"github.com/qooode/solbot/internal/history"
	"github.com/qooode/solbot/internal/moderation"
	"github.com/qooode/solbot/internal/policy"
)

const (
	burstWaitMin   = 2 * time.Second
	burstWaitMax   = 4 * time.Second
	replyLookback  = 10
	refLookback    = 10
	logContentSize = 80
)

// extendedContextTerms make a message pull the author's longer history into
// generation.
var extendedContextTerms = []string{
	"how", "why", "explain", "what is", "what are", "can you", "could you",
	"help me", "help with", "problem", "issue", "error", "doesn't work",
	"not working", "broken", "tutorial", "guide", "setup", "configure", "settings",
}

// referencePatterns catch questions about what another participant said.
var referencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`what did ([\p{L}\p{N}_]+) say`),
	regexp.MustCompile(`what ([\p{L}\p{N}_]+) said`),
}

func referencedName(content string) string {
	lower := strings.ToLower(content)
	for _, re := range referencePatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			return m[1]
		}
	}
	return ""
}

func wantsExtendedContext(content string) bool {
	lower := strings.ToLower(content)
	for _, term := range extendedContextTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// turn is one inbound message on its way through the pipeline.
type turn struct {
	msg     bus.InboundMessage
	session *session
	burst   bool
	log     *zap.Logger
}

// HandleMessage runs the whole pipeline for one message: record it, resolve
// who it addresses, moderate, decide and, when warranted, generate and send a
// reply.
func (g *Gateway) HandleMessage(ctx context.Context, msg bus.InboundMessage) {
	if t, ok := g.ingest(ctx, msg); ok {
		g.respond(ctx, t)
	}
}

// ingest records the message. It reports false when the message should not
// be processed further.
func (g *Gateway) ingest(ctx context.Context, msg bus.InboundMessage) (turn, bool) {
	log := g.logger.With(
		zap.String("trace", uuid.NewString()),
		zap.String("channel", msg.Channel),
		zap.String("chat", msg.ChatID),
		zap.String("author", msg.SenderID),
	)
	if strings.TrimSpace(msg.Content) == "" {
		return turn{}, false
	}
	if !msg.IsDM && !g.activation.IsActive(msg.ChatID) {
		log.Debug("chat not active")
		return turn{}, false
	}
	s := g.session(msg.Channel)
	if s != nil && msg.SenderID == s.selfID {
		return turn{}, false
	}

	log.Debug("inbound", zap.String("content", truncate(msg.Content, logContentSize)))
	g.directory.Observe(msg.ChatID, msg.SenderID, msg.SenderName)
	burst := g.tracker.AddMessage(msg.SenderID, msg.Content, msg.ChatID)
	return turn{msg: msg, session: s, burst: burst, log: log}, true
}

func (g *Gateway) respond(ctx context.Context, t turn) {
	msg, log := t.msg, t.log

	addr := g.resolve(ctx, t)
	log.Debug("addressing",
		zap.Stringer("outcome", addr.Outcome),
		zap.String("reason", addr.Reason),
		zap.Bool("burst", t.burst))

	if g.moderate(ctx, t) {
		return
	}

	mentioned := addr.DirectlyAddressed()
	if !mentioned && g.tracker.ShouldWaitForMoreContext(ctx, msg.SenderID, msg.ChatID) {
		log.Debug("waiting for the author to finish")
		return
	}

	decision := g.engine.Decide(ctx, policy.Message{
		AuthorID:   msg.SenderID,
		ChannelID:  msg.ChatID,
		Content:    msg.Content,
		Addressing: addr,
	})
	if !decision.ShouldRespond {
		log.Debug("not responding", zap.String("reason", decision.Reason))
		return
	}
	log.Info("responding",
		zap.String("reason", decision.Reason),
		zap.String("type", string(decision.ResponseType)),
		zap.String("length", string(decision.ResponseLength)))

	extended := wantsExtendedContext(msg.Content)
	if t.burst && !mentioned {
		if err := g.sleep(ctx, g.uniform(burstWaitMin, burstWaitMax)); err != nil {
			return
		}
		if g.tracker.ShouldWaitForMoreContext(ctx, msg.SenderID, msg.ChatID) {
			log.Debug("burst still going, staying quiet")
			return
		}
	}
	entries := g.tracker.GetContext(msg.SenderID, msg.ChatID, extended)

	if err := g.simulateTyping(ctx, t, decision.ResponseLength); err != nil {
		return
	}

	if g.generator == nil {
		log.Warn("no generator configured")
		return
	}
	cfg := g.cfg()
	prompt := withHint(entries, decision)
	if ref, ok := g.referencedMessage(t); ok {
		log.Debug("adding referenced message", zap.String("content", truncate(ref.Content, logContentSize)))
		prompt = append([]history.Entry{ref}, prompt...)
	}
	reply, err := g.generator.Generate(ctx, systemPrompt(cfg), prompt)
	if err != nil {
		log.Warn("generation failed", zap.Error(err))
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		log.Debug("empty reply, not sending")
		return
	}

	useReply := g.shouldUseReply(msg)
	g.tracker.AddAgentResponse(msg.SenderID, reply, msg.ChatID)

	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply}
	if useReply {
		out.ReplyTo = msg.MessageID
	}
	select {
	case g.bus.Outbound <- out:
	case <-ctx.Done():
	}
}

func (g *Gateway) resolve(ctx context.Context, t turn) addressing.Result {
	msg := t.msg
	in := addressing.Input{
		AuthorID:          msg.SenderID,
		ChannelID:         msg.ChatID,
		Content:           msg.Content,
		Mentions:          msg.Mentions,
		MentionNames:      msg.MentionNames,
		RoleMentions:      msg.RoleMentions,
		ReplyToID:         msg.ReplyToID,
		ReplyToAuthorID:   msg.ReplyToAuthorID,
		ReplyToAuthorName: msg.ReplyToAuthorName,
		IsDM:              msg.IsDM,
	}
	if t.session == nil {
		name := g.cfg().Bot.Name
		return addressing.NewResolver(addressing.Identity{Name: name}, g.directory, nil).Resolve(ctx, in)
	}
	return t.session.resolver.Resolve(ctx, in)
}

// moderate reports whether the message was a violation. Violations stop the
// pipeline whether or not escalation could act on the platform.
func (g *Gateway) moderate(ctx context.Context, t turn) bool {
	msg := t.msg
	v := g.checker.Check(ctx, msg.Content, msg.SenderID, msg.AuthorRoles)
	if !v.Violates {
		return false
	}
	if t.session == nil {
		g.ledger.Record(msg.SenderID, msg.ChatID, v.RuleViolated, v.Severity)
		t.log.Warn("violation on channel without actions", zap.String("rule", v.RuleViolated))
		return true
	}
	out := t.session.enforcer.Enforce(ctx, moderation.Incident{
		AuthorID:   msg.SenderID,
		AuthorName: msg.SenderName,
		Mention:    msg.SenderMention,
		ChannelID:  msg.ChatID,
		MessageID:  msg.MessageID,
		Content:    msg.Content,
		Verdict:    v,
	})
	t.log.Info("violation handled",
		zap.String("rule", v.RuleViolated),
		zap.Int("count", out.Count),
		zap.Bool("warned", out.Warned),
		zap.Bool("deleted", out.Deleted),
		zap.Bool("timedOut", out.TimedOut))
	return true
}

// simulateTyping shows the typing indicator and waits a delay scaled by the
// planned reply length.
func (g *Gateway) simulateTyping(ctx context.Context, t turn, length policy.ResponseLength) error {
	cfg := g.cfg()
	lo := seconds(cfg.Bot.TypingDelayMin)
	hi := seconds(cfg.Bot.TypingDelayMax)
	d := g.uniform(lo, hi)
	switch length {
	case policy.LengthShort:
		d = d * 7 / 10
	case policy.LengthMedium:
		d = d * 12 / 10
	default:
		d = d * 18 / 10
	}

	if t.session != nil {
		if err := t.session.actions.Typing(ctx, t.msg.ChatID); err != nil {
			t.log.Debug("typing indicator failed", zap.Error(err))
		}
	}
	return g.sleep(ctx, d)
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// withHint copies entries and appends the style hint to the last author
// entry so the tracker's records stay untouched.
func withHint(entries []history.Entry, d policy.Decision) []history.Entry {
	out := append([]history.Entry(nil), entries...)
	if n := len(out); n > 0 && out[n-1].Role == history.RoleAuthor && d.ResponseType != "" {
		out[n-1].Content += fmt.Sprintf("\n\n[Respond with a %s %s response]", d.ResponseLength, d.ResponseType)
	}
	return out
}

// referencedMessage finds the latest channel message of the participant a
// "what did X say" question names. The entry is built fresh, so prepending it
// never touches the tracker's records.
func (g *Gateway) referencedMessage(t turn) (history.Entry, bool) {
	name := referencedName(t.msg.Content)
	if name == "" {
		return history.Entry{}, false
	}
	var selfID string
	if t.session != nil {
		selfID = t.session.selfID
	}
	var who addressing.Participant
	for _, p := range g.directory.Participants(t.msg.ChatID) {
		if p.ID == selfID {
			continue
		}
		first, _, _ := strings.Cut(p.Name, " ")
		if strings.EqualFold(p.Name, name) || strings.EqualFold(first, name) {
			who = p
			break
		}
	}
	if who.ID == "" {
		return history.Entry{}, false
	}
	for _, r := range g.tracker.RecentChannelMessages(t.msg.ChatID, refLookback) {
		if r.AuthorID == who.ID && r.Role == history.RoleAuthor {
			return history.Entry{
				Role:    history.RoleAuthor,
				Content: fmt.Sprintf("[Previous message from %s]: %s", who.Name, r.Content),
			}, true
		}
	}
	return history.Entry{}, false
}

// shouldUseReply threads the answer onto the triggering message when that
// message was itself a reply, or when another participant's message sits
// right before one of the author's in the recent channel history.
func (g *Gateway) shouldUseReply(msg bus.InboundMessage) bool {
	if msg.MessageID == "" {
		return false
	}
	if msg.IsReply() {
		return true
	}
	// newest first
	recent := g.tracker.RecentChannelMessages(msg.ChatID, replyLookback)
	for i := 0; i+1 < len(recent); i++ {
		prev := recent[i+1].AuthorID
		if recent[i].AuthorID == msg.SenderID && prev != msg.SenderID && prev != history.AgentAuthorID {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
