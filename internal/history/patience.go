package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/oracle"
)

const patienceSample = 3

// ShouldWaitForMoreContext asks the oracle whether the author is still
// composing a multi-part thought. Any failure, missing oracle or empty
// history answers false.
func (t *Tracker) ShouldWaitForMoreContext(ctx context.Context, authorID, channelID string) bool {
	if t.oracle == nil {
		return false
	}
	recs := t.Records(authorID, channelID)
	if len(recs) == 0 {
		return false
	}
	if len(recs) > patienceSample {
		recs = recs[len(recs)-patienceSample:]
	}

	reply, err := oracle.Ask(ctx, t.oracle, t.patienceTimeout, oracle.Prompt(t.patiencePrompt(recs)))
	if err != nil {
		t.logger.Debug("patience oracle failed", zap.String("author", authorID), zap.Error(err))
		return false
	}
	wait, err := oracle.Field(reply, "wait")
	if err != nil {
		t.logger.Debug("patience reply unparsable", zap.String("author", authorID), zap.Error(err))
		return false
	}
	return wait.Bool()
}

func (t *Tracker) patiencePrompt(recs []Record) string {
	level := t.patience()
	desc := "moderately patient and waits a reasonable time for complete thoughts"
	switch {
	case level <= 3:
		desc = "very impatient and eager to respond quickly"
	case level > 7:
		desc = "extremely patient and always waits for complete thoughts before responding"
	}

	var lines []string
	var authorTimes []time.Time
	for _, r := range recs {
		content := oracle.Clip(r.Content, 100)
		lines = append(lines, fmt.Sprintf("%s: %s", r.Role, content))
		if r.Role == RoleAuthor {
			authorTimes = append(authorTimes, r.Timestamp)
		}
	}

	var timing string
	if len(authorTimes) >= 2 {
		total := authorTimes[len(authorTimes)-1].Sub(authorTimes[0])
		avg := total.Seconds() / float64(len(authorTimes)-1)
		timing = fmt.Sprintf("\nAverage time between messages: %.1f seconds", avg)
	}
	since := t.now().Sub(recs[len(recs)-1].Timestamp).Seconds()

	return fmt.Sprintf(`You are %s, a chat participant deciding whether to wait for more messages or respond now.

Your patience level is %d/10: you are %s.

RECENT CONVERSATION:
%s%s

Time since last message: %.1f seconds

Decide whether the user is likely still typing or their thought is incomplete. Consider:
1. Is the last message very short (under 20 characters)?
2. Does it end with an ellipsis, a comma or no punctuation?
3. Does it read as a conversation starter that will be followed by details?

Respond with a single JSON object:
{"wait": true} to wait for more messages
{"wait": false} to respond now`, t.name, level, desc, strings.Join(lines, "\n"), timing, since)
}
