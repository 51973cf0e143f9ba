package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/cohive/internal/envelope"
	"github.com/thebtf/cohive/internal/sandbox"
	"github.com/thebtf/cohive/pkg/models"
)

// journal records kill and spawn calls in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeProcess struct {
	name    string
	journal *journal
	killErr error

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	mu   sync.Mutex
	code int
	once sync.Once
}

func newFakeProcess(name string, j *journal) *fakeProcess {
	p := &fakeProcess{name: name, journal: j}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Pid() int          { return 42 }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProcess) Kill() error {
	p.journal.add("kill %s", p.name)
	if p.killErr != nil {
		return p.killErr
	}
	p.exit(-1)
	return nil
}

// exit closes both streams with the given exit code.
func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		p.stdoutW.Close()
		p.stderrW.Close()
	})
}

type fakeRuntime struct {
	journal  *journal
	mu       sync.Mutex
	procs    []*fakeProcess
	spawnErr error
	killErr  error
}

func (r *fakeRuntime) Mount(context.Context, string, envelope.FileTree) error { return nil }
func (r *fakeRuntime) Workdir(projectID string) string                         { return "/tmp/" + projectID }

func (r *fakeRuntime) Spawn(_ context.Context, spec sandbox.Spec) (sandbox.Process, error) {
	r.journal.add("spawn %s", spec.CommandLine())
	if r.spawnErr != nil {
		return nil, r.spawnErr
	}
	p := newFakeProcess(spec.CommandLine(), r.journal)
	p.killErr = r.killErr
	r.mu.Lock()
	r.procs = append(r.procs, p)
	r.mu.Unlock()
	return p, nil
}

func (r *fakeRuntime) proc(i int) *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[i]
}

type recordingSink struct {
	mu      sync.Mutex
	records []models.LogRecord
}

func (s *recordingSink) BroadcastLog(_ context.Context, rec models.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = string(r.Type) + ":" + r.Message
	}
	return out
}

// SupervisorSuite is a test suite for the process supervisor.
type SupervisorSuite struct {
	suite.Suite
	journal *journal
	runtime *fakeRuntime
	sink    *recordingSink
	sup     *Supervisor
	ctx     context.Context
}

func (s *SupervisorSuite) SetupTest() {
	s.journal = &journal{}
	s.runtime = &fakeRuntime{journal: s.journal}
	s.sink = &recordingSink{}
	s.sup = NewSupervisor(s.runtime, s.sink, Options{})
	s.ctx = context.Background()
}

func (s *SupervisorSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.sup.Shutdown(ctx)
}

func TestSupervisorSuite(t *testing.T) {
	suite.Run(t, new(SupervisorSuite))
}

func (s *SupervisorSuite) waitDone(h *Handle) {
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		s.FailNow("process did not finish")
	}
}

// TestRun_KeepsCharactersAcrossReads tests that a multi-byte character cut
// by the read size reaches the room intact.
func (s *SupervisorSuite) TestRun_KeepsCharactersAcrossReads() {
	h, err := s.sup.Run(s.ctx, "room-1", "npm", []string{"test"}, "")
	s.Require().NoError(err)

	out := strings.Repeat("a", readChunkSize-1) + "é done ✔\n"
	p := s.runtime.proc(0)
	_, _ = p.stdoutW.Write([]byte(out))
	p.exit(0)
	s.waitDone(h)

	s.sink.mu.Lock()
	var got strings.Builder
	for _, rec := range s.sink.records {
		if rec.Type != models.SeverityInfo || strings.HasPrefix(rec.Message, "$ ") || strings.HasPrefix(rec.Message, "Process exited") {
			continue
		}
		s.True(utf8.ValidString(rec.Message), "record %q is not valid UTF-8", rec.Message)
		got.WriteString(rec.Message)
	}
	s.sink.mu.Unlock()
	s.Equal(out, got.String())
}

// TestRun_StreamsInOrder tests echo, stream records and the final exit record.
func (s *SupervisorSuite) TestRun_StreamsInOrder() {
	h, err := s.sup.Run(s.ctx, "room-1", "npm", []string{"install"}, "")
	s.Require().NoError(err)
	state, _ := h.State()
	s.Equal(StateRunning, state)

	p := s.runtime.proc(0)
	_, _ = p.stdoutW.Write([]byte("added 10 packages"))
	_, _ = p.stderrW.Write([]byte("warn deprecated"))
	p.exit(0)
	s.waitDone(h)

	msgs := s.sink.messages()
	s.Require().Len(msgs, 4)
	s.Equal("info:$ npm install", msgs[0])
	s.ElementsMatch([]string{"info:added 10 packages", "error:warn deprecated"}, msgs[1:3])
	s.Equal("info:Process exited with code 0", msgs[3])

	state, code := h.State()
	s.Equal(StateExited, state)
	s.Equal(0, code)
	s.Equal(0, s.sup.Live())
}

// TestRun_AbnormalExit tests the error severity of a non-zero exit record.
func (s *SupervisorSuite) TestRun_AbnormalExit() {
	h, err := s.sup.Run(s.ctx, "room-1", "node", []string{"app.js"}, "")
	s.Require().NoError(err)
	s.runtime.proc(0).exit(1)
	s.waitDone(h)

	msgs := s.sink.messages()
	s.Equal("error:Process exited with code 1", msgs[len(msgs)-1])
}

// TestRun_SpawnFailure tests a single error record and no handle.
func (s *SupervisorSuite) TestRun_SpawnFailure() {
	s.runtime.spawnErr = errors.New("ENOENT")

	h, err := s.sup.Run(s.ctx, "room-1", "missing", nil, "")
	s.Error(err)
	s.Nil(h)

	var errorsSeen int
	for _, m := range s.sink.messages() {
		if strings.HasPrefix(m, "error:") {
			errorsSeen++
		}
	}
	s.Equal(1, errorsSeen)
	s.Equal(0, s.sup.Live())
}

// TestRunCanonical_KillsPreviousFirst tests that the old process gets its
// kill request before the new one is spawned.
func (s *SupervisorSuite) TestRunCanonical_KillsPreviousFirst() {
	a, err := s.sup.RunCanonical(s.ctx, "room-1", "node a.js", "")
	s.Require().NoError(err)
	s.Equal(a, s.sup.Canonical("room-1"))

	b, err := s.sup.RunCanonical(s.ctx, "room-1", "node b.js", "")
	s.Require().NoError(err)
	s.Equal(b, s.sup.Canonical("room-1"))

	s.Equal([]string{"spawn node a.js", "kill node a.js", "spawn node b.js"}, s.journal.list())
	s.waitDone(a)
}

// TestRunCanonical_KillFailureDoesNotBlock tests replacement when the old
// process refuses to die.
func (s *SupervisorSuite) TestRunCanonical_KillFailureDoesNotBlock() {
	s.runtime.killErr = errors.New("operation not permitted")

	a, err := s.sup.RunCanonical(s.ctx, "room-1", "node a.js", "")
	s.Require().NoError(err)

	b, err := s.sup.RunCanonical(s.ctx, "room-1", "node b.js", "")
	s.Require().NoError(err)
	s.Equal(b, s.sup.Canonical("room-1"))
	s.Equal([]string{"spawn node a.js", "kill node a.js", "spawn node b.js"}, s.journal.list())

	state, _ := a.State()
	s.Equal(StateRunning, state)

	s.runtime.proc(0).exit(0)
	s.runtime.proc(1).exit(0)
	s.waitDone(a)
	s.waitDone(b)
}

// TestRunCanonical_SpawnFailureLeavesSlotEmpty tests the empty slot.
func (s *SupervisorSuite) TestRunCanonical_SpawnFailureLeavesSlotEmpty() {
	a, err := s.sup.RunCanonical(s.ctx, "room-1", "node a.js", "")
	s.Require().NoError(err)

	s.runtime.spawnErr = errors.New("boom")
	_, err = s.sup.RunCanonical(s.ctx, "room-1", "node b.js", "")
	s.Error(err)
	s.Nil(s.sup.Canonical("room-1"))
	s.waitDone(a)
}

// TestRunCanonical_RoomsAreIndependent tests per-room slots.
func (s *SupervisorSuite) TestRunCanonical_RoomsAreIndependent() {
	a, err := s.sup.RunCanonical(s.ctx, "room-1", "node a.js", "")
	s.Require().NoError(err)
	b, err := s.sup.RunCanonical(s.ctx, "room-2", "node b.js", "")
	s.Require().NoError(err)

	s.Equal(a, s.sup.Canonical("room-1"))
	s.Equal(b, s.sup.Canonical("room-2"))
	s.Equal([]string{"spawn node a.js", "spawn node b.js"}, s.journal.list())
}

// TestCanonical_ClearedOnExit tests that an exited process leaves the slot.
func (s *SupervisorSuite) TestCanonical_ClearedOnExit() {
	a, err := s.sup.RunCanonical(s.ctx, "room-1", "node a.js", "")
	s.Require().NoError(err)
	s.runtime.proc(0).exit(0)
	s.waitDone(a)

	s.Eventually(func() bool { return s.sup.Canonical("room-1") == nil }, time.Second, 5*time.Millisecond)
}

// TestStopCanonical tests explicit stop.
func (s *SupervisorSuite) TestStopCanonical() {
	s.False(s.sup.StopCanonical("room-1"))

	a, err := s.sup.RunCanonical(s.ctx, "room-1", "node a.js", "")
	s.Require().NoError(err)
	s.True(s.sup.StopCanonical("room-1"))
	s.waitDone(a)
	s.Nil(s.sup.Canonical("room-1"))

	_, code := a.State()
	s.Equal(-1, code)
}

// TestShutdown tests that every live process is killed.
func (s *SupervisorSuite) TestShutdown() {
	for i := 0; i < 3; i++ {
		_, err := s.sup.Run(s.ctx, fmt.Sprintf("room-%d", i), "sleep", []string{"30"}, "")
		s.Require().NoError(err)
	}
	s.Equal(3, s.sup.Live())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.NoError(s.sup.Shutdown(ctx))
	s.Equal(0, s.sup.Live())
}

func TestShutdown_TimesOut(t *testing.T) {
	j := &journal{}
	rt := &fakeRuntime{journal: j, killErr: errors.New("stuck")}
	sup := NewSupervisor(rt, &recordingSink{}, Options{})

	_, err := sup.Run(context.Background(), "room-1", "sleep", nil, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sup.Shutdown(ctx), context.DeadlineExceeded)

	rt.proc(0).exit(0)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "exited", StateExited.String())
}

func TestCompleteRunes(t *testing.T) {
	e := []byte("é")
	check := []byte("✔")
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("abc"), 3},
		{"complete two byte", append([]byte("ab"), e...), 4},
		{"cut two byte", append([]byte("ab"), e[0]), 2},
		{"cut three byte after one", append([]byte("a"), check[:1]...), 1},
		{"cut three byte after two", append([]byte("a"), check[:2]...), 1},
		{"complete three byte", append([]byte("a"), check...), 4},
		{"stray continuation bytes", []byte{'a', 0x80, 0x80, 0x80, 0x80}, 5},
		{"invalid start byte", []byte{'a', 0xff}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, completeRunes(tt.in))
		})
	}
}
