// Package process runs project commands for a room and streams their output
// to the room as console-log records.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/cohive/internal/sandbox"
	"github.com/thebtf/cohive/pkg/models"
)

const readChunkSize = 4096

// LogSink receives the log records of supervised processes.
type LogSink interface {
	BroadcastLog(ctx context.Context, rec models.LogRecord) error
}

// Options configures a Supervisor.
type Options struct {
	Meter metric.Meter
}

// Supervisor spawns processes through a sandbox runtime and tracks the
// canonical process of every room.
type Supervisor struct {
	runtime sandbox.Runtime
	sink    LogSink
	metrics *supervisorMetrics

	// ctx outlives the requests that start processes so that output keeps
	// flowing after the requesting connection is gone.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	live  map[string]*Handle
	slots map[string]*slot
}

// slot is the canonical process holder of one room.
type slot struct {
	mu      sync.Mutex
	current *Handle
}

// NewSupervisor creates a supervisor.
func NewSupervisor(rt sandbox.Runtime, sink LogSink, opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		runtime: rt,
		sink:    sink,
		metrics: newSupervisorMetrics(opts.Meter),
		ctx:     ctx,
		cancel:  cancel,
		live:    make(map[string]*Handle),
		slots:   make(map[string]*slot),
	}
}

// Run spawns a command and returns its handle without waiting for it.
// stdout is streamed as info records and stderr as error records.
func (s *Supervisor) Run(ctx context.Context, roomID, command string, args []string, workDir string) (*Handle, error) {
	return s.start(ctx, sandbox.Spec{
		ProjectID: roomID,
		Command:   command,
		Args:      args,
		Dir:       workDir,
	})
}

// RunShell is Run for a full command line interpreted by the platform shell.
func (s *Supervisor) RunShell(ctx context.Context, roomID, commandLine, workDir string) (*Handle, error) {
	return s.start(ctx, sandbox.Spec{
		ProjectID: roomID,
		Command:   commandLine,
		Dir:       workDir,
		Shell:     true,
	})
}

// RunCanonical spawns a command as the room's canonical process. The
// previous holder is asked to terminate first; if the spawn fails the slot
// is left empty.
func (s *Supervisor) RunCanonical(ctx context.Context, roomID, commandLine, workDir string) (*Handle, error) {
	sl := s.slotFor(roomID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if prev := sl.current; prev != nil {
		sl.current = nil
		s.requestKill(prev)
	}

	h, err := s.start(ctx, sandbox.Spec{
		ProjectID: roomID,
		Command:   commandLine,
		Dir:       workDir,
		Shell:     true,
	})
	if err != nil {
		return nil, err
	}
	sl.current = h

	go func() {
		<-h.Done()
		sl.mu.Lock()
		if sl.current == h {
			sl.current = nil
		}
		sl.mu.Unlock()
	}()

	return h, nil
}

// Canonical returns the room's canonical process, if any.
func (s *Supervisor) Canonical(roomID string) *Handle {
	sl := s.slotFor(roomID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.current
}

// StopCanonical kills the room's canonical process. It reports whether
// there was one.
func (s *Supervisor) StopCanonical(roomID string) bool {
	sl := s.slotFor(roomID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.current == nil {
		return false
	}
	s.requestKill(sl.current)
	sl.current = nil
	return true
}

// Live returns the number of processes that have not exited yet.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Shutdown kills every live process and waits for their output to be
// drained or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.live))
	for _, h := range s.live {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.requestKill(h)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("shutdown supervisor: %w", ctx.Err())
	}
}

func (s *Supervisor) slotFor(roomID string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[roomID]
	if !ok {
		sl = &slot{}
		s.slots[roomID] = sl
	}
	return sl
}

// requestKill is best effort: a failure is logged and never returned.
func (s *Supervisor) requestKill(h *Handle) {
	if err := h.Kill(); err != nil {
		log.Warn().
			Err(err).
			Str("roomId", h.RoomID).
			Str("processId", h.ID).
			Msg("Failed to kill process")
		return
	}
	log.Debug().
		Str("roomId", h.RoomID).
		Str("processId", h.ID).
		Msg("Kill requested")
}

func (s *Supervisor) emit(roomID, text string, sev models.Severity) {
	if err := s.sink.BroadcastLog(s.ctx, models.NewLogRecord(roomID, text, sev)); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Str("roomId", roomID).Msg("Dropped process log record")
	}
}

func (s *Supervisor) start(ctx context.Context, spec sandbox.Spec) (*Handle, error) {
	s.emit(spec.ProjectID, "$ "+spec.CommandLine(), models.SeverityInfo)

	proc, err := s.runtime.Spawn(ctx, spec)
	if err != nil {
		s.metrics.spawnFailed()
		s.emit(spec.ProjectID, fmt.Sprintf("Failed to start %s: %v", spec.Command, err), models.SeverityError)
		log.Error().
			Err(err).
			Str("roomId", spec.ProjectID).
			Str("command", spec.CommandLine()).
			Msg("Process spawn failed")
		return nil, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}

	h := &Handle{
		ID:        uuid.NewString(),
		RoomID:    spec.ProjectID,
		Command:   spec.CommandLine(),
		StartedAt: time.Now(),
		proc:      proc,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.live[h.ID] = h
	s.mu.Unlock()
	s.metrics.started()

	log.Info().
		Str("roomId", h.RoomID).
		Str("processId", h.ID).
		Int("pid", proc.Pid()).
		Str("command", h.Command).
		Msg("Process started")

	s.wg.Add(1)
	go s.supervise(h)
	return h, nil
}

func (s *Supervisor) supervise(h *Handle) {
	defer s.wg.Done()

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		s.pump(h.RoomID, h.proc.Stdout(), models.SeverityInfo)
	}()
	go func() {
		defer streams.Done()
		s.pump(h.RoomID, h.proc.Stderr(), models.SeverityError)
	}()
	streams.Wait()

	code, err := h.proc.Wait()
	if err != nil {
		log.Warn().Err(err).Str("processId", h.ID).Msg("Wait failed")
	}

	sev := models.SeverityInfo
	if code != 0 {
		sev = models.SeverityError
	}
	s.emit(h.RoomID, fmt.Sprintf("Process exited with code %d", code), sev)

	s.mu.Lock()
	delete(s.live, h.ID)
	s.mu.Unlock()
	s.metrics.exited(code)

	log.Info().
		Str("roomId", h.RoomID).
		Str("processId", h.ID).
		Int("code", code).
		Dur("uptime", time.Since(h.StartedAt)).
		Msg("Process exited")

	h.finish(code)
}

// pump turns a process stream into log records. A multi-byte character cut
// by a read boundary is held back and sent with the next chunk.
func (s *Supervisor) pump(roomID string, r io.Reader, sev models.Severity) {
	if r == nil {
		return
	}
	buf := make([]byte, readChunkSize+utf8.UTFMax)
	pending := 0
	for {
		n, err := r.Read(buf[pending : pending+readChunkSize])
		n += pending
		cut := completeRunes(buf[:n])
		if err != nil {
			// Nothing more will arrive to complete a held back tail.
			cut = n
		}
		if cut > 0 {
			s.emit(roomID, string(buf[:cut]), sev)
		}
		pending = copy(buf, buf[cut:n])
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("roomId", roomID).Msg("Process stream closed")
			}
			return
		}
	}
}

// completeRunes returns the length of the longest prefix of b that does not
// end inside an incomplete UTF-8 sequence.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
