// Package models contains domain and wire models for cohive.
package models

import "time"

// MessageKind distinguishes chat messages written by people from AI replies.
type MessageKind string

const (
	MessageKindUser MessageKind = "user"
	MessageKindAI   MessageKind = "ai"
)

// AISender is the sender name attached to every AI chat message.
const AISender = "AI agent"

// ChatMessage is a transient chat line exchanged inside a room.
type ChatMessage struct {
	Sender    string      `json:"sender"`
	Message   string      `json:"message"`
	Kind      MessageKind `json:"kind"`
	EmittedAt time.Time   `json:"emittedAt"`
}

// NewUserMessage builds a user chat message stamped with the current time.
func NewUserMessage(sender, text string) ChatMessage {
	return ChatMessage{
		Sender:    sender,
		Message:   text,
		Kind:      MessageKindUser,
		EmittedAt: time.Now().UTC(),
	}
}

// NewAIMessage builds an AI chat message stamped with the current time.
func NewAIMessage(text string) ChatMessage {
	return ChatMessage{
		Sender:    AISender,
		Message:   text,
		Kind:      MessageKindAI,
		EmittedAt: time.Now().UTC(),
	}
}
