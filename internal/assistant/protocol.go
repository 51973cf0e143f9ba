// Package assistant turns "@ai" chat messages into AI envelope replies.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/cohive/internal/envelope"
	"github.com/thebtf/cohive/internal/hub"
	"github.com/thebtf/cohive/pkg/models"
)

// Marker is the mention that addresses the AI in a chat message.
const Marker = "@ai"

// DefaultTimeout bounds a single generation.
const DefaultTimeout = 60 * time.Second

// ErrEmptyPrompt is returned when nothing is left after the marker.
var ErrEmptyPrompt = errors.New("empty prompt")

// Broadcaster delivers events to the members of a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID, event string, payload any, opts hub.BroadcastOptions) error
}

// Options configures a Protocol.
type Options struct {
	Timeout time.Duration
	Budget  *Budget
}

// Protocol handles chat messages for all rooms.
type Protocol struct {
	gen     Generator
	out     Broadcaster
	budget  *Budget
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewProtocol creates a protocol handler.
func NewProtocol(gen Generator, out Broadcaster, opts Options) *Protocol {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Protocol{
		gen:     gen,
		out:     out,
		budget:  opts.Budget,
		timeout: opts.Timeout,
	}
}

// Addressed reports whether a chat message mentions the AI.
func Addressed(text string) bool {
	return strings.Contains(text, Marker)
}

// StripMarker removes the first marker occurrence and trims the rest.
func StripMarker(text string) string {
	return strings.TrimSpace(strings.Replace(text, Marker, "", 1))
}

// HandleChat processes one chat message from connection senderID in a room.
// Plain messages are relayed to the other members. Messages mentioning the
// AI are answered asynchronously; HandleChat never waits for the generator.
func (p *Protocol) HandleChat(ctx context.Context, roomID, senderID, sender, text string) error {
	if !Addressed(text) {
		return p.out.Broadcast(ctx, roomID, models.EventChatMessage,
			models.NewUserMessage(sender, text), hub.ExceptSender(senderID))
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.respond(roomID, senderID, sender, text)
	}()
	return nil
}

// Wait blocks until every pending AI turn finished.
func (p *Protocol) Wait() {
	p.wg.Wait()
}

// Ask runs a prompt through the generator and parses the reply. Malformed
// replies come back degraded, never as an error.
func (p *Protocol) Ask(ctx context.Context, prompt string) (*envelope.Envelope, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if err := p.budget.Check(prompt); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	env, perr := envelope.ParseOrDegrade(raw)
	if perr != nil {
		log.Warn().Err(perr).Int("replyLen", len(raw)).Msg("AI reply degraded to text")
	}
	return env, nil
}

func (p *Protocol) respond(roomID, senderID, sender, text string) {
	// The turn outlives the message that started it.
	ctx := context.Background()
	opts := hub.IncludingSender(senderID)
	start := time.Now()

	env, err := p.Ask(ctx, StripMarker(text))
	if err != nil {
		log.Error().
			Err(err).
			Str("roomId", roomID).
			Str("sender", sender).
			Msg("AI generation failed")
		p.emitAI(ctx, roomID, envelope.Degraded(failureText(err)), opts)
		return
	}

	log.Info().
		Str("roomId", roomID).
		Str("type", env.Type).
		Int("files", env.FileTree.Len()).
		Dur("took", time.Since(start)).
		Msg("AI reply ready")

	if err := p.out.Broadcast(ctx, roomID, models.EventChatMessage, models.NewUserMessage(sender, text), opts); err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("Failed to broadcast prompt")
	}
	p.emitAI(ctx, roomID, env, opts)
}

func (p *Protocol) emitAI(ctx context.Context, roomID string, env *envelope.Envelope, opts hub.BroadcastOptions) {
	body, err := env.Marshal()
	if err != nil {
		log.Error().Err(err).Str("roomId", roomID).Msg("Failed to encode envelope")
		return
	}
	if err := p.out.Broadcast(ctx, roomID, models.EventChatMessage, models.NewAIMessage(string(body)), opts); err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("Failed to broadcast AI reply")
	}
}

func failureText(err error) string {
	switch {
	case errors.Is(err, ErrEmptyPrompt):
		return "Ask me something after " + Marker + "."
	case errors.Is(err, ErrPromptTooLarge):
		return "That prompt is too long for me. Please shorten it and try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "Sorry, the AI took too long to answer. Please try again."
	default:
		return "Sorry, the AI could not generate a reply right now. Please try again."
	}
}
