package gateway

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/bus"
	"github.com/qooode/solbot/internal/moderation"
	"github.com/qooode/solbot/internal/policy"
)

// Evaluation is what the decision core concluded about one message without
// acting on it.
type Evaluation struct {
	Addressing       string              `json:"addressing"`
	AddressingReason string              `json:"addressingReason,omitempty"`
	Mentioned        bool                `json:"mentioned"`
	Burst            bool                `json:"burst"`
	Violation        *moderation.Verdict `json:"violation,omitempty"`
	WaitingForMore   bool                `json:"waitingForMore,omitempty"`
	Decision         policy.Decision     `json:"decision"`
}

// Evaluate records msg in the context store and runs addressing, the
// moderation check and the policy engine. Nothing is posted, enforced or
// generated, and violations are not written to the ledger.
func (g *Gateway) Evaluate(ctx context.Context, msg bus.InboundMessage) (Evaluation, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return Evaluation{}, errors.New("evaluate message: empty content")
	}
	log := g.logger.With(zap.String("author", msg.SenderID), zap.String("chat", msg.ChatID))

	g.directory.Observe(msg.ChatID, msg.SenderID, msg.SenderName)
	burst := g.tracker.AddMessage(msg.SenderID, msg.Content, msg.ChatID)
	t := turn{msg: msg, session: g.session(msg.Channel), burst: burst, log: log}

	addr := g.resolve(ctx, t)
	ev := Evaluation{
		Addressing:       addr.Outcome.String(),
		AddressingReason: addr.Reason,
		Mentioned:        addr.DirectlyAddressed(),
		Burst:            burst,
	}

	if v := g.checker.Check(ctx, msg.Content, msg.SenderID, msg.AuthorRoles); v.Violates {
		ev.Violation = &v
		ev.Decision = policy.Decision{Reason: "rule violation"}
		return ev, nil
	}

	if !ev.Mentioned && g.tracker.ShouldWaitForMoreContext(ctx, msg.SenderID, msg.ChatID) {
		ev.WaitingForMore = true
		ev.Decision = policy.Decision{Reason: "author is still composing"}
		return ev, nil
	}

	ev.Decision = g.engine.Decide(ctx, policy.Message{
		AuthorID:   msg.SenderID,
		ChannelID:  msg.ChatID,
		Content:    msg.Content,
		Addressing: addr,
	})
	return ev, nil
}
