package hub

import (
	"github.com/goccy/go-json"
)

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// EncodeFrame encodes an event and its payload as one wire frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: event, Data: payload})
}
