package moderation

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/audit"
	"github.com/qooode/solbot/internal/config"
)

const logContentLimit = 1000

// Actions are the platform operations escalation needs. Each is attempted
// once; failures are logged by the enforcer and never retried.
type Actions interface {
	Post(ctx context.Context, chatID, text string) (messageID string, err error)
	Reply(ctx context.Context, chatID, replyToID, text string) (messageID string, err error)
	Delete(ctx context.Context, chatID, messageID string) error
	Timeout(ctx context.Context, chatID, userID string, d time.Duration, reason string) error
}

// AuditSink receives a row per moderation action.
type AuditSink interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Incident is a confirmed violation waiting for escalation.
type Incident struct {
	AuthorID   string
	AuthorName string
	// Mention is how the platform addresses the author in text.
	Mention   string
	ChannelID string
	MessageID string
	Content   string
	Verdict   Verdict
}

type Outcome struct {
	Record    ViolationRecord
	Count     int
	Warned    bool
	Deleted   bool
	WarningID string
	Cooldown  time.Duration
	TimedOut  bool
	Timeout   time.Duration
}

type Enforcer struct {
	ledger  *Ledger
	actions Actions
	audit   AuditSink
	cfg     func() config.ModerationConfig
	logger  *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	afterFunc func(d time.Duration, f func()) *time.Timer
}

type EnforcerOptions struct {
	Ledger  *Ledger
	Actions Actions
	// Audit may be nil.
	Audit  AuditSink
	Config func() config.ModerationConfig
	Rand   *rand.Rand
	Logger *zap.Logger
	// AfterFunc schedules auto-deletes; defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) *time.Timer
}

func NewEnforcer(opts EnforcerOptions) *Enforcer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = func() config.ModerationConfig { return config.ModerationConfig{} }
	}
	ledger := opts.Ledger
	if ledger == nil {
		ledger = NewLedger(nil)
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = time.AfterFunc
	}
	return &Enforcer{
		ledger:    ledger,
		actions:   opts.Actions,
		audit:     opts.Audit,
		cfg:       cfg,
		logger:    logger.Named("moderation"),
		rng:       rng,
		afterFunc: afterFunc,
	}
}

func (e *Enforcer) Ledger() *Ledger { return e.ledger }

// Enforce records the violation and escalates: warn (possibly deleting the
// message), set the engagement cooldown, log to the operator channel and,
// when enabled and over threshold, time the author out.
func (e *Enforcer) Enforce(ctx context.Context, inc Incident) Outcome {
	cfg := e.cfg()
	v := inc.Verdict
	mention := inc.Mention
	if mention == "" {
		mention = inc.AuthorName
	}

	rec := e.ledger.Record(inc.AuthorID, inc.ChannelID, v.RuleViolated, v.Severity)
	count := e.ledger.Count(inc.AuthorID, CountWindow)
	out := Outcome{Record: rec, Count: count}

	log := e.logger.With(
		zap.String("author", inc.AuthorID),
		zap.String("channel", inc.ChannelID),
		zap.String("rule", v.RuleViolated),
		zap.String("severity", string(v.Severity)),
		zap.Int("count", count),
	)

	e.rngMu.Lock()
	warn := ShouldWarn(count, e.rng)
	e.rngMu.Unlock()

	if warn && e.actions != nil {
		e.warn(ctx, cfg, inc, mention, count, &out, log)
	} else if !warn {
		log.Info("warning suppressed for repeat offender")
	}

	if cfg.AutoTimeout && e.actions != nil {
		base := time.Duration(cfg.TimeoutMinutes) * time.Minute
		if d, ok := TimeoutDuration(base, count, cfg.WarningThreshold); ok {
			e.timeout(ctx, cfg, inc, mention, count, d, &out, log)
		}
	}
	return out
}

func (e *Enforcer) warn(ctx context.Context, cfg config.ModerationConfig, inc Incident, mention string, count int, out *Outcome, log *zap.Logger) {
	if cfg.DeleteViolations && inc.MessageID != "" {
		if err := e.actions.Delete(ctx, inc.ChannelID, inc.MessageID); err != nil {
			log.Warn("delete violating message failed", zap.Error(err))
		} else {
			out.Deleted = true
			e.record(ctx, inc, audit.ActionDelete, count, "")
		}
	}

	text := WarningText(mention, inc.Verdict, count, cfg.TimeoutMinutes)
	var id string
	var err error
	if out.Deleted {
		id, err = e.actions.Post(ctx, inc.ChannelID, text)
	} else {
		id, err = e.actions.Reply(ctx, inc.ChannelID, inc.MessageID, text)
	}
	if err != nil {
		log.Warn("send warning failed", zap.Error(err))
		return
	}
	out.Warned = true
	out.WarningID = id
	log.Info("warning issued", zap.Bool("deleted", out.Deleted))
	e.scheduleDelete(inc.ChannelID, id, cfg.WarningDeleteSeconds)

	action := "Warning Issued"
	if out.Deleted {
		action = "Message Deleted, Warning Issued"
	}
	fields := [][2]string{
		{"User", fmt.Sprintf("%s (%s)", mention, inc.AuthorName)},
		{"Channel", inc.ChannelID},
		{"Rule Violated", inc.Verdict.RuleViolated},
		{"Action Taken", action},
		{"Violation Count", fmt.Sprintf("%d in past 24h", count)},
		{"Message Content", truncate(inc.Content, logContentLimit)},
	}
	if inc.Verdict.AlternativeSuggestion != "" {
		fields = append(fields, [2]string{"Suggested Alternative", inc.Verdict.AlternativeSuggestion})
	}
	e.postLog(ctx, cfg, "Moderation Action", fields, log)

	out.Cooldown = CooldownFor(count)
	e.ledger.SetCooldown(inc.AuthorID, out.Cooldown, inc.Verdict.RuleViolated)
	e.record(ctx, inc, audit.ActionWarning, count, inc.Verdict.Explanation)
}

func (e *Enforcer) timeout(ctx context.Context, cfg config.ModerationConfig, inc Incident, mention string, count int, d time.Duration, out *Outcome, log *zap.Logger) {
	reason := fmt.Sprintf("Automated timeout after %d rule violations in 24h", count)
	if err := e.actions.Timeout(ctx, inc.ChannelID, inc.AuthorID, d, reason); err != nil {
		log.Warn("apply timeout failed", zap.Duration("duration", d), zap.Error(err))
		return
	}
	out.TimedOut = true
	out.Timeout = d
	minutes := int(d / time.Minute)
	log.Info("timeout applied", zap.Duration("duration", d))

	id, err := e.actions.Post(ctx, inc.ChannelID, fmt.Sprintf("%s timed out for %dm due to repeated violations", mention, minutes))
	if err != nil {
		log.Warn("send timeout notice failed", zap.Error(err))
	} else {
		e.scheduleDelete(inc.ChannelID, id, cfg.WarningDeleteSeconds)
	}

	e.postLog(ctx, cfg, "User Timed Out", [][2]string{
		{"User", fmt.Sprintf("%s (%s)", mention, inc.AuthorName)},
		{"Duration", fmt.Sprintf("%d minutes", minutes)},
		{"Reason", reason},
	}, log)
	e.record(ctx, inc, audit.ActionTimeout, count, d.String())
}

// Reset clears an author's history and records the operator action.
func (e *Enforcer) Reset(ctx context.Context, authorID string) int {
	n := e.ledger.Reset(authorID)
	e.record(ctx, Incident{AuthorID: authorID}, audit.ActionReset, n, "")
	e.logger.Info("violation history reset", zap.String("author", authorID), zap.Int("cleared", n))
	return n
}

func (e *Enforcer) scheduleDelete(chatID, messageID string, seconds int) {
	if seconds <= 0 || messageID == "" {
		return
	}
	e.afterFunc(time.Duration(seconds)*time.Second, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.actions.Delete(ctx, chatID, messageID); err != nil {
			e.logger.Debug("auto-delete failed", zap.String("message", messageID), zap.Error(err))
		}
	})
}

func (e *Enforcer) postLog(ctx context.Context, cfg config.ModerationConfig, title string, fields [][2]string, log *zap.Logger) {
	if cfg.LogChannelID == "" {
		return
	}
	var b strings.Builder
	b.WriteString(title)
	for _, f := range fields {
		fmt.Fprintf(&b, "\n%s: %s", f[0], f[1])
	}
	if _, err := e.actions.Post(ctx, cfg.LogChannelID, b.String()); err != nil {
		log.Warn("post to log channel failed", zap.String("log_channel", cfg.LogChannelID), zap.Error(err))
	}
}

func (e *Enforcer) record(ctx context.Context, inc Incident, action audit.Action, count int, detail string) {
	if e.audit == nil {
		return
	}
	_, err := e.audit.Append(ctx, audit.Entry{
		Action:    action,
		AuthorID:  inc.AuthorID,
		ChannelID: inc.ChannelID,
		Rule:      inc.Verdict.RuleViolated,
		Severity:  string(inc.Verdict.Severity),
		Count:     count,
		Detail:    detail,
	})
	if err != nil {
		e.logger.Warn("audit append failed", zap.String("action", string(action)), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
