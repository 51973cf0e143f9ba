package process

import (
	"sync"
	"time"

	"github.com/thebtf/cohive/internal/sandbox"
)

// State is the lifecycle state of a supervised process.
type State int

const (
	StateRunning State = iota
	StateExited
)

func (s State) String() string {
	if s == StateExited {
		return "exited"
	}
	return "running"
}

// Handle refers to a spawned process.
type Handle struct {
	ID        string
	RoomID    string
	Command   string
	StartedAt time.Time

	proc sandbox.Process
	done chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
}

// Done is closed once the process exited and its output was drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State returns the current state and, once exited, the exit code.
func (h *Handle) State() (State, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return StateExited, h.exitCode
	}
	return StateRunning, 0
}

// Kill requests termination. Killing an exited process is a no-op.
func (h *Handle) Kill() error {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return nil
	}
	return h.proc.Kill()
}

func (h *Handle) finish(code int) {
	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
}
