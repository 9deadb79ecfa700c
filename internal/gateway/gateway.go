// Package gateway wires the decision core to the chat channels: inbound
// messages are tracked, moderated and judged, and replies go back out on the
// bus.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qooode/solbot/internal/addressing"
	"github.com/qooode/solbot/internal/bus"
	"github.com/qooode/solbot/internal/channel"
	"github.com/qooode/solbot/internal/config"
	"github.com/qooode/solbot/internal/cron"
	"github.com/qooode/solbot/internal/history"
	"github.com/qooode/solbot/internal/moderation"
	"github.com/qooode/solbot/internal/oracle"
	"github.com/qooode/solbot/internal/policy"
)

// Platforms hands out the platform operations of a channel by name.
// channel.Manager implements it.
type Platforms interface {
	Actions(name string) (channel.Actions, bool)
}

type Options struct {
	Config    *config.Store
	Bus       *bus.MessageBus
	Platforms Platforms
	// Oracle answers the short structured decisions; nil means every
	// decision falls to its default.
	Oracle    oracle.Completer
	Generator Generator
	// Audit may be nil.
	Audit moderation.AuditSink
	// Cron runs the housekeeping sweeps; nil disables them.
	Cron   *cron.Service
	Now    func() time.Time
	Rand   *rand.Rand
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

type Gateway struct {
	store     *config.Store
	bus       *bus.MessageBus
	platforms Platforms
	generator Generator
	audit     moderation.AuditSink
	cron      *cron.Service

	tracker    *history.Tracker
	directory  *addressing.Directory
	ledger     *moderation.Ledger
	checker    *moderation.Checker
	engine     *policy.Engine
	activation *channel.Activation

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	root   *zap.Logger
	logger *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	sessions map[string]*session
}

// session holds the per-channel pieces that depend on the platform.
type session struct {
	actions  channel.Actions
	selfID   string
	resolver *addressing.Resolver
	enforcer *moderation.Enforcer
}

func New(opts Options) (*Gateway, error) {
	if opts.Config == nil || opts.Config.Get() == nil {
		return nil, errors.New("create gateway: config is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("create gateway: bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	g := &Gateway{
		store:     opts.Config,
		bus:       opts.Bus,
		platforms: opts.Platforms,
		generator: opts.Generator,
		audit:     opts.Audit,
		cron:      opts.Cron,
		now:       now,
		sleep:     sleep,
		rng:       rng,
		root:      logger,
		logger:    logger.Named("gateway"),
		sessions:  make(map[string]*session),
	}

	cfg := g.cfg()
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	g.tracker = history.NewTracker(history.Options{
		Window:          cfg.Bot.ContextWindow,
		MaxAge:          maxAge(cfg),
		Now:             now,
		Oracle:          opts.Oracle,
		PatienceTimeout: ms(cfg.Oracle.PatienceTimeoutMs),
		Patience:        func() int { return g.cfg().Personality.Patience },
		Name:            cfg.Bot.Name,
		Logger:          logger,
	})
	g.directory = addressing.NewDirectory(0, now)
	g.ledger = moderation.NewLedger(now)
	g.checker = moderation.NewChecker(moderation.CheckerOptions{
		Oracle:  opts.Oracle,
		Config:  func() config.ModerationConfig { return g.cfg().Moderation },
		Timeout: ms(cfg.Oracle.ModerationTimeoutMs),
		Logger:  logger,
	})
	g.engine = policy.NewEngine(policy.Options{
		Context:   g.tracker,
		Cooldowns: g.ledger,
		Oracle:    opts.Oracle,
		Timeouts: policy.Timeouts{
			Respond: ms(cfg.Oracle.RespondTimeoutMs),
			Style:   ms(cfg.Oracle.StyleTimeoutMs),
		},
		Personality: func() config.PersonalityConfig { return g.cfg().Personality },
		Name:        cfg.Bot.Name,
		Rand:        g.childRand(),
		Now:         now,
		Logger:      logger,
	})
	g.activation = channel.NewActivation(cfg.Bot.ActiveChannels)
	return g, nil
}

func (g *Gateway) cfg() *config.Config { return g.store.Get() }

func maxAge(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Bot.ContextMaxAgeHours * float64(time.Hour))
}

// ApplyConfig pushes reloadable settings into the components that cache
// them. Settings read per message need nothing here.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.tracker.SetWindow(cfg.Bot.ContextWindow)
	g.tracker.SetMaxAge(maxAge(cfg))
	g.logger.Info("config applied",
		zap.Int("contextWindow", g.tracker.Window()),
		zap.Duration("contextMaxAge", g.tracker.MaxAge()))
}

func (g *Gateway) Tracker() *history.Tracker        { return g.tracker }
func (g *Gateway) Ledger() *moderation.Ledger       { return g.ledger }
func (g *Gateway) Activation() *channel.Activation  { return g.activation }
func (g *Gateway) Directory() *addressing.Directory { return g.directory }

// ResetViolations clears an author's violation history through the
// enforcer of the given channel so the reset is audited.
func (g *Gateway) ResetViolations(ctx context.Context, channelName, authorID string) int {
	if s := g.session(channelName); s != nil {
		return s.enforcer.Reset(ctx, authorID)
	}
	return g.ledger.Reset(authorID)
}

func (g *Gateway) childRand() *rand.Rand {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return rand.New(rand.NewSource(g.rng.Int63()))
}

func (g *Gateway) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return lo + time.Duration(g.rng.Int63n(int64(hi-lo)))
}

// session returns the cached per-channel state, building it on first use.
// Channels without platform actions get nil.
func (g *Gateway) session(name string) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[name]; ok {
		return s
	}
	if g.platforms == nil {
		return nil
	}
	actions, ok := g.platforms.Actions(name)
	if !ok {
		return nil
	}

	cfg := g.cfg()
	id, handle := actions.Self()
	botName := cfg.Bot.Name
	if botName == "" {
		botName = handle
	}
	s := &session{
		actions: actions,
		selfID:  id,
		resolver: addressing.NewResolver(addressing.Identity{ID: id, Name: botName}, g.directory, actions),
		enforcer: moderation.NewEnforcer(moderation.EnforcerOptions{
			Ledger:  g.ledger,
			Actions: actions,
			Audit:   g.audit,
			Config:  func() config.ModerationConfig { return g.cfg().Moderation },
			Rand:    g.childRand(),
			Logger:  g.root.With(zap.String("platform", name)),
		}),
	}
	g.sessions[name] = s
	return s
}

// Run consumes inbound messages until ctx ends. Messages are recorded in
// arrival order by the loop itself; the slower decide-and-reply stage runs
// on at most gateway.workers goroutines.
func (g *Gateway) Run(ctx context.Context) error {
	if g.cron != nil {
		if err := g.scheduleHousekeeping(); err != nil {
			return err
		}
		if err := g.cron.Start(ctx); err != nil {
			return fmt.Errorf("start cron: %w", err)
		}
		defer g.cron.Stop()
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.bus.DispatchOutbound(ctx)
		return nil
	})

	workers := g.cfg().Gateway.Workers
	if workers <= 0 {
		workers = config.DefaultWorkers
	}
	eg.Go(func() error {
		var pool errgroup.Group
		pool.SetLimit(workers)
		defer pool.Wait()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-g.bus.Inbound:
				t, ok := g.ingest(ctx, msg)
				if !ok {
					continue
				}
				pool.Go(func() error {
					g.respond(ctx, t)
					return nil
				})
			}
		}
	})

	g.logger.Info("running", zap.Int("workers", workers))
	err := eg.Wait()
	g.logger.Info("stopped")
	return err
}

// scheduleHousekeeping registers the context sweep and the moderation stats
// log on the configured schedule.
func (g *Gateway) scheduleHousekeeping() error {
	schedule := g.cfg().Gateway.SweepSchedule
	if schedule == "" {
		schedule = config.DefaultSweepSchedule
	}
	if _, err := g.cron.AddJob("context-sweep", schedule, g.sweepContext); err != nil {
		return fmt.Errorf("schedule context sweep: %w", err)
	}
	if _, err := g.cron.AddJob("moderation-stats", schedule, g.logModerationStats); err != nil {
		return fmt.Errorf("schedule moderation stats: %w", err)
	}
	return nil
}

func (g *Gateway) sweepContext(context.Context) (string, error) {
	removed := g.tracker.PruneAll()
	st := g.tracker.Stats()
	return fmt.Sprintf("pruned %d records, %d buckets hold %d", removed, st.Buckets, st.Records), nil
}

func (g *Gateway) logModerationStats(context.Context) (string, error) {
	st := g.ledger.Stats()
	g.logger.Info("moderation stats",
		zap.Int("authors", st.Authors),
		zap.Int("violations", st.Violations),
		zap.Int("recent", st.Recent),
		zap.Int("activeCooldowns", st.ActiveCooldowns))
	return "", nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
