package policy

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qooode/solbot/internal/addressing"
	"github.com/qooode/solbot/internal/config"
	"github.com/qooode/solbot/internal/history"
	"github.com/qooode/solbot/internal/moderation"
	"github.com/qooode/solbot/internal/oracle"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type scriptedOracle struct {
	mu    sync.Mutex
	calls int
	reply string
	err   error
}

func (o *scriptedOracle) Complete(ctx context.Context, req oracle.Request) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.reply, o.err
}

func (o *scriptedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type fixture struct {
	clock   *fakeClock
	tracker *history.Tracker
	ledger  *moderation.Ledger
	oracle  *scriptedOracle
	engine  *Engine
}

func newFixture(reply string) *fixture {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		clock:   clock,
		tracker: history.NewTracker(history.Options{Window: 10, Now: clock.Now}),
		ledger:  moderation.NewLedger(clock.Now),
		oracle:  &scriptedOracle{reply: reply},
	}
	f.engine = NewEngine(Options{
		Context:   f.tracker,
		Cooldowns: f.ledger,
		Oracle:    f.oracle,
		Name:      "Sol",
		Rand:      rand.New(rand.NewSource(7)),
		Now:       clock.Now,
	})
	return f
}

func (f *fixture) say(author, content string) Message {
	f.tracker.AddMessage(author, content, "chan")
	f.clock.Advance(time.Second)
	return Message{AuthorID: author, ChannelID: "chan", Content: content}
}

const yes = `{"should_respond": true, "reason": "looks like a question for me"}`

func TestShouldRespond_Empty(t *testing.T) {
	f := newFixture(yes)
	ok, reason := f.engine.ShouldRespond(context.Background(), Message{AuthorID: "a", ChannelID: "chan", Content: "  "})
	assert.False(t, ok)
	assert.Equal(t, "Empty message", reason)
	assert.Zero(t, f.oracle.Calls())
}

func TestShouldRespond_CooldownOnlyYieldsToDirectAddress(t *testing.T) {
	f := newFixture(yes)
	ctx := context.Background()
	f.ledger.SetCooldown("ann", 600*time.Second, "No piracy")

	f.clock.Advance(30 * time.Second)
	m := f.say("ann", "anyway what is everyone playing tonight")
	ok, reason := f.engine.ShouldRespond(ctx, m)
	assert.False(t, ok)
	assert.Contains(t, reason, "recently warned")
	assert.Zero(t, f.oracle.Calls())

	m = f.say("ann", "@sol what is everyone playing tonight")
	m.Addressing = addressing.Result{
		Signals: addressing.Signals{ExplicitMention: true},
		Outcome: addressing.Engage,
		Reason:  "Sol was mentioned directly",
	}
	ok, _ = f.engine.ShouldRespond(ctx, m)
	assert.True(t, ok)

	dm := f.say("ann", "sorry about that")
	dm.Addressing = addressing.Result{Signals: addressing.Signals{IsDM: true}, Outcome: addressing.Engage}
	ok, _ = f.engine.ShouldRespond(ctx, dm)
	assert.True(t, ok)

	f.clock.Advance(600 * time.Second)
	m = f.say("ann", "anyway what is everyone playing tonight")
	ok, _ = f.engine.ShouldRespond(ctx, m)
	assert.True(t, ok)
	assert.Equal(t, 1, f.oracle.Calls())
}

func TestShouldRespond_ReplyToOtherUserDominatesOracle(t *testing.T) {
	f := newFixture(yes)
	dir := addressing.NewDirectory(0, f.clock.Now)
	dir.Observe("chan", "bea", "Bea")
	lookup := replyLookup(func(ctx context.Context, chatID, messageID string) (string, string, error) {
		return "bea", "Bea", nil
	})
	resolver := addressing.NewResolver(addressing.Identity{ID: "bot", Name: "Sol"}, dir, lookup)

	m := f.say("ann", "what's the best way to set this up?")
	m.Addressing = resolver.Resolve(context.Background(), addressing.Input{
		AuthorID: "ann", ChannelID: "chan", Content: m.Content, ReplyToID: "42",
	})

	ok, reason := f.engine.ShouldRespond(context.Background(), m)
	assert.False(t, ok)
	assert.Contains(t, reason, "Bea")
	assert.Zero(t, f.oracle.Calls())
}

type replyLookup func(ctx context.Context, chatID, messageID string) (string, string, error)

func (f replyLookup) ReplyAuthor(ctx context.Context, chatID, messageID string) (string, string, error) {
	return f(ctx, chatID, messageID)
}

func TestShouldRespond_ShortFollowUp(t *testing.T) {
	f := newFixture(`{"should_respond": false}`)
	f.say("ann", "any good sci-fi books")
	f.tracker.AddAgentResponse("ann", "Try Hyperion, it's a classic", "chan")
	f.clock.Advance(time.Second)

	m := f.say("bob", "by who?")
	ok, reason := f.engine.ShouldRespond(context.Background(), m)
	assert.True(t, ok)
	assert.Contains(t, reason, "Short follow-up")
	assert.Zero(t, f.oracle.Calls())
}

func TestShouldRespond_OverlapWithAgentMessage(t *testing.T) {
	f := newFixture(`{"should_respond": false}`)
	f.tracker.AddAgentResponse("ann", "You could run it on Kubernetes with a small cluster.", "chan")
	f.clock.Advance(time.Second)
	for i := 0; i < 3; i++ {
		f.say("carl", "lol")
	}

	m := f.say("bob", "wait how does kubernetes handle the storage part?")
	ok, reason := f.engine.ShouldRespond(context.Background(), m)
	assert.True(t, ok)
	assert.Contains(t, reason, "previously mentioned")
	assert.Zero(t, f.oracle.Calls())
}

func TestShouldRespond_NoOverlapFallsToOracle(t *testing.T) {
	f := newFixture(`{"should_respond": false, "reason": "someone already answered"}`)
	f.tracker.AddAgentResponse("ann", "You could run it on Kubernetes.", "chan")
	f.clock.Advance(time.Second)
	for i := 0; i < 3; i++ {
		f.say("carl", "lol")
	}

	m := f.say("bob", "does anyone know a good pizza place nearby?")
	ok, reason := f.engine.ShouldRespond(context.Background(), m)
	assert.False(t, ok)
	assert.Equal(t, "someone already answered", reason)
	assert.Equal(t, 1, f.oracle.Calls())
}

func TestShouldRespond_OracleFailsOpen(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
	}{
		{name: "error", err: errors.New("timeout")},
		{name: "no json", reply: "sure why not"},
		{name: "missing key", reply: `{"reason": "unsure"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.reply)
			f.oracle.err = tt.err
			m := f.say("ann", "just got back from the beach")
			ok, _ := f.engine.ShouldRespond(context.Background(), m)
			assert.True(t, ok)
			assert.Equal(t, 1, f.oracle.Calls())
		})
	}
}

func TestShouldRespond_NoOracleRespond(t *testing.T) {
	e := NewEngine(Options{})
	ok, _ := e.ShouldRespond(context.Background(), Message{AuthorID: "a", ChannelID: "c", Content: "hello there"})
	assert.True(t, ok)
}

func TestDetermineResponseType(t *testing.T) {
	ctx := context.Background()

	f := newFixture(`"greeting"`)
	assert.Equal(t, TypeAnswer, f.engine.DetermineResponseType(ctx, "what time is it?", nil))
	assert.Zero(t, f.oracle.Calls())
	assert.Equal(t, TypeGreeting, f.engine.DetermineResponseType(ctx, "hello everyone", nil))

	f = newFixture("Empathetic.")
	assert.Equal(t, TypeEmpathetic, f.engine.DetermineResponseType(ctx, "my cat died today", nil))

	f = newFixture("probably something chill")
	assert.Equal(t, TypeCasual, f.engine.DetermineResponseType(ctx, "nice weather", nil))

	f = newFixture("")
	f.oracle.err = oracle.ErrUnavailable
	assert.Equal(t, TypeCasual, f.engine.DetermineResponseType(ctx, "nice weather", nil))
}

func TestStylePrompt_TruncatesOnRuneBoundary(t *testing.T) {
	recent := []history.Entry{{Role: history.RoleAuthor, Content: strings.Repeat("漢", 120)}}
	p := stylePrompt("ok", recent)
	assert.True(t, utf8.ValidString(p))
	assert.Contains(t, p, strings.Repeat("漢", 100)+"...")
	assert.NotContains(t, p, strings.Repeat("漢", 101))
}

func TestLengthDistribution(t *testing.T) {
	tests := []struct {
		name      string
		typ       ResponseType
		formality int
		words     int
		want      Distribution
	}{
		{name: "casual", typ: TypeCasual, formality: 5, words: 20, want: Distribution{0.9, 0.09, 0.01}},
		{name: "empathetic", typ: TypeEmpathetic, formality: 9, words: 20, want: Distribution{0.8, 0.18, 0.02}},
		{name: "answer", typ: TypeAnswer, formality: 5, words: 20, want: Distribution{0.52, 0.25, 0.12}},
		{name: "helpful formal", typ: TypeHelpful, formality: 10, words: 20, want: Distribution{0.385, 0.30, 0.225}},
		{name: "greeting normalizes", typ: TypeGreeting, formality: 5, words: 20, want: Distribution{0.95 / 1.2, 0.25 / 1.2, 0}},
		{name: "short casual message saturates", typ: TypeCasual, formality: 5, words: 3, want: Distribution{0.95, 0.05, 0}},
		{name: "short answer", typ: TypeAnswer, formality: 5, words: 4, want: Distribution{0.72 / 1.09, 0.25 / 1.09, 0.12 / 1.09}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LengthDistribution(tt.typ, tt.formality, tt.words)
			assert.InDelta(t, tt.want.Short, got.Short, 1e-9)
			assert.InDelta(t, tt.want.Medium, got.Medium, 1e-9)
			assert.InDelta(t, tt.want.Long, got.Long, 1e-9)
			assert.LessOrEqual(t, got.Short+got.Medium+got.Long, 1+1e-9)
		})
	}
}

func TestLengthDistribution_ShortDominatesAtDefaultFormality(t *testing.T) {
	for _, typ := range []ResponseType{TypeCasual, TypeEmpathetic, TypeGreeting, TypeOpinion, TypeAnswer} {
		d := LengthDistribution(typ, config.DefaultFormality, 3)
		assert.Greater(t, d.Short, 0.5, string(typ))
	}
}

type fixedSource struct{ v int64 }

func (s fixedSource) Int63() int64 { return s.v }
func (s fixedSource) Seed(int64)   {}

func rollAt(p float64) *rand.Rand {
	return rand.New(fixedSource{v: int64(p * float64(1<<63))})
}

func TestDistributionPick(t *testing.T) {
	d := Distribution{Short: 0.5, Medium: 0.3, Long: 0.2}
	assert.Equal(t, LengthShort, d.Pick(rollAt(0.1)))
	assert.Equal(t, LengthMedium, d.Pick(rollAt(0.6)))
	assert.Equal(t, LengthLong, d.Pick(rollAt(0.9)))

	// mass left over past short+medium goes to long
	d = Distribution{Short: 0.52, Medium: 0.25, Long: 0.12}
	assert.Equal(t, LengthLong, d.Pick(rollAt(0.95)))
}

func TestDecide(t *testing.T) {
	f := newFixture(yes)
	m := f.say("ann", "how do I reset my router?")
	m.Addressing = addressing.Result{Signals: addressing.Signals{NamePrefix: true}, Outcome: addressing.Engage, Reason: "mentioned"}

	d := f.engine.Decide(context.Background(), m)
	require.True(t, d.ShouldRespond)
	assert.Equal(t, TypeAnswer, d.ResponseType)
	assert.Contains(t, []ResponseLength{LengthShort, LengthMedium, LengthLong}, d.ResponseLength)

	m.Addressing = addressing.Result{Outcome: addressing.Ignore, Reason: "addressed to Bea"}
	d = f.engine.Decide(context.Background(), m)
	assert.False(t, d.ShouldRespond)
	assert.Empty(t, d.ResponseType)
	assert.Empty(t, d.ResponseLength)
}
