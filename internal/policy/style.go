package policy

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/history"
	"github.com/qooode/solbot/internal/oracle"
)

type ResponseType string

const (
	TypeGreeting   ResponseType = "greeting"
	TypeAnswer     ResponseType = "answer"
	TypeHelpful    ResponseType = "helpful"
	TypeOpinion    ResponseType = "opinion"
	TypeEmpathetic ResponseType = "empathetic"
	TypeCasual     ResponseType = "casual"
)

var responseTypes = []string{
	string(TypeGreeting), string(TypeAnswer), string(TypeHelpful),
	string(TypeOpinion), string(TypeEmpathetic), string(TypeCasual),
}

type ResponseLength string

const (
	LengthShort  ResponseLength = "short"
	LengthMedium ResponseLength = "medium"
	LengthLong   ResponseLength = "long"
)

const styleContextSize = 5

// DetermineResponseType returns answer for anything containing '?' and
// otherwise asks the oracle for a label, falling back to casual.
func (e *Engine) DetermineResponseType(ctx context.Context, content string, recent []history.Entry) ResponseType {
	if strings.Contains(content, "?") {
		return TypeAnswer
	}
	if len(recent) > styleContextSize {
		recent = recent[len(recent)-styleContextSize:]
	}
	reply, err := oracle.Ask(ctx, e.oracle, e.timeouts.Style, oracle.Prompt(stylePrompt(content, recent)))
	if err != nil {
		e.logger.Debug("style oracle failed", zap.Error(err))
		return TypeCasual
	}
	label, ok := oracle.Label(reply, responseTypes)
	if !ok {
		e.logger.Debug("style reply not a known type", zap.String("reply", reply))
		return TypeCasual
	}
	return ResponseType(label)
}

func stylePrompt(content string, recent []history.Entry) string {
	var lines []string
	for _, m := range recent {
		c := oracle.Clip(m.Content, 100)
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, c))
	}
	return fmt.Sprintf(`Decide what kind of reply fits this chat message.

RECENT CONVERSATION:
%s

CURRENT MESSAGE: %s

Choose ONE type:
1. "greeting" - a greeting or introduction
2. "answer" - a question that needs information
3. "helpful" - a request for help
4. "opinion" - a request for thoughts or discussion
5. "empathetic" - emotional content that needs empathy
6. "casual" - anything else

Reply with only the type in quotes, for example "casual".`, strings.Join(lines, "\n"), content)
}

// Distribution holds the probability mass for each length. Pick treats
// anything past Short+Medium as long.
type Distribution struct {
	Short  float64
	Medium float64
	Long   float64
}

// LengthDistribution models how long a reply should be. Formality (1-10)
// shifts mass from short toward long; the response type adjusts the base;
// a short incoming message (ten words or fewer) pushes toward short.
func LengthDistribution(t ResponseType, formality, incomingWords int) Distribution {
	f := float64(formality)
	short := 0.75 - f*0.02
	long := 0.05 + f*0.01
	medium := 1 - short - long

	switch t {
	case TypeAnswer, TypeOpinion:
		short *= 0.8
		long *= 1.2
	case TypeGreeting:
		short = 0.95
		long = 0
	case TypeHelpful:
		short *= 0.7
		long *= 1.5
	case TypeCasual:
		short, medium, long = 0.9, 0.09, 0.01
	case TypeEmpathetic:
		short, medium, long = 0.8, 0.18, 0.02
	}

	if incomingWords <= 10 {
		short += 0.2
		if short > 1 {
			short, medium, long = 0.95, 0.05, 0
		}
	}

	if total := short + medium + long; total > 1 {
		short /= total
		medium /= total
		long /= total
	}
	return Distribution{Short: short, Medium: medium, Long: long}
}

func (d Distribution) Pick(rng *rand.Rand) ResponseLength {
	roll := rng.Float64()
	switch {
	case roll < d.Short:
		return LengthShort
	case roll < d.Short+d.Medium:
		return LengthMedium
	default:
		return LengthLong
	}
}

// DecideResponseLength rolls a length for the reply to content.
func (e *Engine) DecideResponseLength(t ResponseType, content string) ResponseLength {
	d := LengthDistribution(t, e.personality().Formality, len(strings.Fields(content)))
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return d.Pick(e.rng)
}
