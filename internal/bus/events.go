package bus

import (
	"strings"
	"time"
)

// InboundMessage is one chat message as seen by the decision core. Channels
// fill in the addressing metadata they can observe on their platform.
type InboundMessage struct {
	Channel    string
	MessageID  string
	SenderID   string
	SenderName string
	// SenderMention is how the platform addresses the sender in text.
	SenderMention string
	ChatID        string
	Content       string
	Timestamp     time.Time

	// Mentions holds the ids of users explicitly mentioned in the message.
	Mentions []string
	// MentionNames holds display names or handles of mentioned users, for
	// platforms where a mention does not resolve to an id.
	MentionNames []string
	RoleMentions []string
	// ReplyToID is the platform id of the message this one replies to.
	ReplyToID string
	// ReplyToAuthorID is set when the platform delivers the replied-to author
	// inline, which saves a fetch.
	ReplyToAuthorID   string
	ReplyToAuthorName string
	AuthorRoles       []string
	IsDM              bool
	Metadata          map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

func (m *InboundMessage) IsReply() bool {
	return strings.TrimSpace(m.ReplyToID) != ""
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
