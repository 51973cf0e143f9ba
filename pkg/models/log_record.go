package models

import "time"

// Severity is the level of a console log line.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// ParseSeverity maps a client supplied type onto a known severity.
// Anything other than "error" is treated as info.
func ParseSeverity(s string) Severity {
	if s == string(SeverityError) {
		return SeverityError
	}
	return SeverityInfo
}

// LogRecord is one unit of console output addressed to a room.
type LogRecord struct {
	RoomID    string    `json:"-"`
	Message   string    `json:"message"`
	Type      Severity  `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLogRecord builds a log record stamped with the current time.
func NewLogRecord(roomID, text string, severity Severity) LogRecord {
	return LogRecord{
		RoomID:    roomID,
		Message:   text,
		Type:      severity,
		Timestamp: time.Now().UTC(),
	}
}
