// Package models defines the data types shared between the transport, the
// agent runtime and the pending-action registry.
package models

import (
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelConsole  ChannelType = "console"
)

// Role indicates the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// InboundMessage is a chat message received from a transport.
type InboundMessage struct {
	ID              string      `json:"id"`
	Channel         ChannelType `json:"channel"`
	ConversationKey string      `json:"conversation_key"` // chat the message belongs to
	SenderID        string      `json:"sender_id"`
	SenderName      string      `json:"sender_name,omitempty"`
	Text            string      `json:"text"`
	QuotedText      string      `json:"quoted_text,omitempty"`
	IsGroup         bool        `json:"is_group,omitempty"`
	MentionsBot     bool        `json:"mentions_bot,omitempty"`
	QuotesBot       bool        `json:"quotes_bot,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Delivery identifies a message the transport has delivered, so it can be
// edited or reacted to later.
type Delivery struct {
	ConversationKey string `json:"conversation_key"`
	MessageID       string `json:"message_id"`
}

// IsZero reports whether the delivery handle is unset.
func (d Delivery) IsZero() bool {
	return d.ConversationKey == "" && d.MessageID == ""
}

// Reaction is an emoji reaction placed on a delivered message.
type Reaction struct {
	ConversationKey string    `json:"conversation_key"`
	ReactorID       string    `json:"reactor_id"`
	Target          Delivery  `json:"target"`
	Symbol          string    `json:"symbol"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventKind discriminates transport events.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventReaction EventKind = "reaction"
)

// Event is a single item on a transport's event stream. Exactly one of
// Message or Reaction is set, matching Kind.
type Event struct {
	Kind     EventKind
	Message  *InboundMessage
	Reaction *Reaction
}

// ConversationKey returns the conversation the event belongs to.
func (e Event) ConversationKey() string {
	switch {
	case e.Message != nil:
		return e.Message.ConversationKey
	case e.Reaction != nil:
		return e.Reaction.ConversationKey
	default:
		return ""
	}
}
