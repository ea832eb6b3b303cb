// Package models defines the chat types shared across internal packages.
// JSON tags follow the backend's wire format, which serializes embedded
// record fields (ID, CreatedAt) with their Go names.
package models

import "time"

// User is an account on the messaging server.
type User struct {
	ID       uint   `json:"ID"`
	Username string `json:"username"`
}

// Status tracks the local lifecycle of a message. It is never sent over
// the wire.
type Status string

const (
	// StatusPending is an optimistic send not yet written to the socket.
	StatusPending Status = "pending"
	// StatusSent was written to the live channel.
	StatusSent Status = "sent"
	// StatusFailed could not be written to the live channel.
	StatusFailed Status = "failed"
	// StatusReceived came from the server (history or live push).
	StatusReceived Status = "received"
)

// Message is a single chat message. Server-assigned messages carry an ID;
// optimistic local sends carry a LocalID until history confirms them.
type Message struct {
	ID             uint      `json:"ID,omitempty"`
	CreatedAt      time.Time `json:"CreatedAt"`
	Content        string    `json:"content"`
	ConversationID uint      `json:"conversation_id"`
	SenderID       uint      `json:"sender_id"`

	LocalID string `json:"-"`
	Status  Status `json:"-"`
}

// Conversation is the server's view of a one-to-one conversation.
type Conversation struct {
	ID       uint      `json:"ID"`
	Messages []Message `json:"messages"`
}

// OutboundMessage is the frame written to the live channel for a send.
type OutboundMessage struct {
	Content        string `json:"content"`
	SenderID       uint   `json:"sender_id"`
	ConversationID uint   `json:"conversation_id"`
}
