package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qooode/solbot/internal/oracle"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTracker(clock *fakeClock, window int, maxAge time.Duration) *Tracker {
	return NewTracker(Options{Window: window, MaxAge: maxAge, Now: clock.Now})
}

func TestAddMessage_WindowBoundAndOrder(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, 5, 0)

	for i := 0; i < 23; i++ {
		tr.AddMessage("a", fmt.Sprintf("m%d", i), "c")
		if i%4 == 0 {
			tr.AddAgentResponse("a", fmt.Sprintf("r%d", i), "c")
		}
		clock.Advance(time.Duration(i%3) * time.Second)

		recs := tr.Records("a", "c")
		require.LessOrEqual(t, len(recs), 5)
		for j := 1; j < len(recs); j++ {
			require.False(t, recs[j].Timestamp.Before(recs[j-1].Timestamp), "records out of order")
		}
	}

	got := tr.GetContext("a", "c", false)
	want := []Entry{
		{RoleAuthor, "m19"},
		{RoleAuthor, "m20"},
		{RoleAgent, "r20"},
		{RoleAuthor, "m21"},
		{RoleAuthor, "m22"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("context mismatch (-want +got):\n%s", diff)
	}
}

func TestAddMessage_BurstThreshold(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, 10, 0)

	assert.False(t, tr.AddMessage("a", "first", "c"), "first message is never a burst")

	clock.Advance(14 * time.Second)
	assert.True(t, tr.AddMessage("a", "second", "c"))
	start, ok := tr.BurstStart("a", "c")
	require.True(t, ok)
	first := clock.Now().Add(-14 * time.Second)
	assert.Equal(t, first, start)

	clock.Advance(10 * time.Second)
	assert.True(t, tr.AddMessage("a", "third", "c"))
	start, _ = tr.BurstStart("a", "c")
	assert.Equal(t, first, start, "burst start persists across the burst")

	clock.Advance(15 * time.Second)
	assert.False(t, tr.AddMessage("a", "fourth", "c"), "a gap of exactly 15s ends the burst")
	_, ok = tr.BurstStart("a", "c")
	assert.False(t, ok)
}

func TestAddMessage_BurstIsPerBucket(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, 10, 0)

	tr.AddMessage("a", "hi", "c1")
	clock.Advance(time.Second)
	assert.False(t, tr.AddMessage("a", "hi", "c2"))
	assert.False(t, tr.AddMessage("b", "hi", "c1"))
}

func TestAddAgentResponse_DoesNotAffectBurst(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, 10, 0)

	tr.AddMessage("a", "hello", "c")
	clock.Advance(20 * time.Second)
	tr.AddAgentResponse("a", "hey", "c")
	clock.Advance(time.Second)
	assert.False(t, tr.AddMessage("a", "again", "c"))

	recs := tr.Records("a", "c")
	require.Len(t, recs, 3)
	assert.Equal(t, AgentAuthorID, recs[1].AuthorID)
	assert.Equal(t, RoleAgent, recs[1].Role)
}

func TestGetContext_ExtendedLimit(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, 50, 0)
	for i := 0; i < 60; i++ {
		tr.AddMessage("a", fmt.Sprint(i), "c")
	}
	assert.Len(t, tr.GetContext("a", "c", false), 50)
	assert.Len(t, tr.GetContext("a", "c", true), 50)
	assert.LessOrEqual(t, len(tr.GetContext("a", "c", true)), MaxExtendedContext)

	tr.SetWindow(5)
	assert.Len(t, tr.GetContext("a", "c", false), 5)
	assert.Len(t, tr.GetContext("a", "c", true), 50, "extended reads what the bucket still holds")

	tr.AddMessage("a", "next", "c")
	assert.Len(t, tr.GetContext("a", "c", true), 5, "the next write trims to the new window")
}

func TestGetContext_UnknownBucket(t *testing.T) {
	tr := newTracker(newClock(), 10, 0)
	assert.Empty(t, tr.GetContext("nobody", "c", true))
}

func TestSetWindow_Clamps(t *testing.T) {
	tr := newTracker(newClock(), 1, 0)
	assert.Equal(t, 5, tr.Window())
	tr.SetWindow(999)
	assert.Equal(t, 50, tr.Window())
}

func TestAgePruning(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, 50, 2*time.Hour)

	tr.AddMessage("a", "old", "c")
	clock.Advance(90 * time.Minute)
	tr.AddMessage("a", "mid", "c")
	clock.Advance(31 * time.Minute)

	first := tr.GetContext("a", "c", false)
	second := tr.GetContext("a", "c", false)
	assert.Equal(t, []Entry{{RoleAuthor, "mid"}}, first)
	assert.Equal(t, first, second, "pruning is idempotent")

	clock.Advance(2 * time.Hour)
	assert.Empty(t, tr.GetContext("a", "c", false))
}

func TestAgePruning_OnlyOnAuthorAdds(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, 50, time.Hour)

	tr.AddMessage("a", "old", "c")
	clock.Advance(2 * time.Hour)
	tr.AddAgentResponse("a", "reply", "c")
	assert.Len(t, tr.Records("a", "c"), 2, "agent adds never prune")

	tr.AddMessage("a", "new", "c")
	recs := tr.Records("a", "c")
	require.Len(t, recs, 2)
	assert.Equal(t, "reply", recs[0].Content)
}

func TestRecentChannelMessages(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, 10, 0)

	tr.AddMessage("a", "a1", "c")
	clock.Advance(time.Second)
	tr.AddMessage("b", "b1", "c")
	clock.Advance(time.Second)
	tr.AddAgentResponse("b", "r1", "c")
	clock.Advance(time.Second)
	tr.AddMessage("a", "other", "elsewhere")
	clock.Advance(time.Second)
	tr.AddMessage("a", "a2", "c")

	got := tr.RecentChannelMessages("c", 3)
	var contents []string
	for _, r := range got {
		contents = append(contents, r.Content)
	}
	assert.Equal(t, []string{"a2", "r1", "b1"}, contents)
	assert.Len(t, tr.RecentChannelMessages("c", 100), 4)
	assert.Empty(t, tr.RecentChannelMessages("c", 0))
}

func TestClearAndPruneAll(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, 10, time.Hour)

	tr.AddMessage("a", "x", "c")
	tr.AddMessage("b", "y", "c")
	tr.Clear("a", "c")
	assert.Empty(t, tr.Records("a", "c"))
	assert.Equal(t, Stats{Buckets: 1, Records: 1}, tr.Stats())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, tr.PruneAll())
	assert.Equal(t, Stats{}, tr.Stats())
}

func TestEndToEnd_BurstContext(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, 10, 12*time.Hour)

	assert.False(t, tr.AddMessage("A", "hey can anyone help with X", "c"))
	clock.Advance(3 * time.Second)
	assert.True(t, tr.AddMessage("A", "also Y", "c"))

	assert.Equal(t, []Entry{
		{RoleAuthor, "hey can anyone help with X"},
		{RoleAuthor, "also Y"},
	}, tr.GetContext("A", "c", false))
}

func TestConcurrentBuckets(t *testing.T) {
	tr := NewTracker(Options{Window: 20})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			author := fmt.Sprint("u", i)
			for j := 0; j < 200; j++ {
				tr.AddMessage(author, "m", "c")
				tr.AddAgentResponse(author, "r", "c")
				_ = tr.RecentChannelMessages("c", 10)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		assert.Len(t, tr.Records(fmt.Sprint("u", i), "c"), 20)
	}
}

func patienceTracker(clock *fakeClock, c oracle.Completer) *Tracker {
	return NewTracker(Options{
		Window:          10,
		Now:             clock.Now,
		Oracle:          c,
		PatienceTimeout: 50 * time.Millisecond,
		Patience:        func() int { return 8 },
	})
}

func TestShouldWaitForMoreContext(t *testing.T) {
	clock := newClock()
	var calls atomic.Int32
	var prompt string
	tr := patienceTracker(clock, oracle.CompleterFunc(func(ctx context.Context, req oracle.Request) (string, error) {
		calls.Add(1)
		prompt = req.Messages[0].Content
		return "```json\n{\"wait\": true}\n```", nil
	}))

	assert.False(t, tr.ShouldWaitForMoreContext(context.Background(), "a", "c"), "empty history never waits")
	assert.EqualValues(t, 0, calls.Load())

	for i := 0; i < 5; i++ {
		tr.AddMessage("a", fmt.Sprintf("part %d", i), "c")
		clock.Advance(2 * time.Second)
	}
	assert.True(t, tr.ShouldWaitForMoreContext(context.Background(), "a", "c"))
	assert.EqualValues(t, 1, calls.Load())
	assert.Contains(t, prompt, "part 4")
	assert.Contains(t, prompt, "part 2")
	assert.NotContains(t, prompt, "part 1", "only the last three records are sent")
	assert.Contains(t, prompt, "8/10")
}

func TestShouldWaitForMoreContext_FailsClosed(t *testing.T) {
	tests := []struct {
		name string
		fn   oracle.CompleterFunc
	}{
		{"error", func(ctx context.Context, req oracle.Request) (string, error) {
			return "", errors.New("boom")
		}},
		{"prose", func(ctx context.Context, req oracle.Request) (string, error) {
			return "I would wait, true.", nil
		}},
		{"timeout", func(ctx context.Context, req oracle.Request) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newClock()
			tr := patienceTracker(clock, tt.fn)
			tr.AddMessage("a", "so...", "c")
			assert.False(t, tr.ShouldWaitForMoreContext(context.Background(), "a", "c"))
		})
	}

	tr := patienceTracker(newClock(), nil)
	tr.AddMessage("a", "so...", "c")
	assert.False(t, tr.ShouldWaitForMoreContext(context.Background(), "a", "c"))
}

func TestPatiencePrompt_TruncatesLongContent(t *testing.T) {
	clock := newClock()
	tr := patienceTracker(clock, nil)
	tr.AddMessage("a", strings.Repeat("x", 150), "c")
	p := tr.patiencePrompt(tr.Records("a", "c"))
	assert.Contains(t, p, strings.Repeat("x", 100)+"...")
	assert.NotContains(t, p, strings.Repeat("x", 101))
}

func TestPatiencePrompt_TruncatesOnRuneBoundary(t *testing.T) {
	tr := patienceTracker(newClock(), nil)
	tr.AddMessage("a", strings.Repeat("ж", 150), "c")
	p := tr.patiencePrompt(tr.Records("a", "c"))
	assert.True(t, utf8.ValidString(p))
	assert.Contains(t, p, strings.Repeat("ж", 100)+"...")
	assert.NotContains(t, p, strings.Repeat("ж", 101))
}
