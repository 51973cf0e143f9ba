package models

import "github.com/goccy/go-json"

// Room event names.
const (
	EventChatMessage          = "chat-message"
	EventRunDependencyInstall = "run-dependency-install"
	EventMountFileTree        = "mount-file-tree"
	EventRunProject           = "run-project"
	EventStopProject          = "stop-project"
	EventTerminalLog          = "terminal-log"
	EventConsoleLog           = "console-log"
	EventError                = "error"
)

// Frame is the envelope of every WebSocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatPayload is the data of a chat-message event sent by a client.
type ChatPayload struct {
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// TerminalLogPayload is the data of a terminal-log event sent by a client.
type TerminalLogPayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// RunProjectPayload is the data of a run-project event.
type RunProjectPayload struct {
	BuildCommand string `json:"buildCommand,omitempty"`
	StartCommand string `json:"startCommand"`
}

// ErrorPayload is sent to a single client when one of its frames is rejected.
type ErrorPayload struct {
	Message string `json:"message"`
}
