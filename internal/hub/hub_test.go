package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/cohive/pkg/models"
)

// recordingWriter captures frames written by a client pump.
type recordingWriter struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	block  chan struct{}
}

func (w *recordingWriter) WriteFrame(data []byte) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, data)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *recordingWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// messages decodes the chat texts received so far.
func (w *recordingWriter) messages(t *testing.T) []string {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.frames))
	for _, f := range w.frames {
		var frame struct {
			Event string             `json:"event"`
			Data  models.ChatMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(f, &frame))
		out = append(out, frame.Data.Message)
	}
	return out
}

// HubSuite is a test suite for Hub operations.
type HubSuite struct {
	suite.Suite
	hub *Hub
	ctx context.Context
}

func (s *HubSuite) SetupTest() {
	s.hub = New(Options{QueueSize: 64, SweepInterval: time.Hour})
	s.ctx = context.Background()
}

func (s *HubSuite) TearDownTest() {
	s.hub.Stop()
}

func TestHubSuite(t *testing.T) {
	suite.Run(t, new(HubSuite))
}

func (s *HubSuite) newClient(id, room string) (*Client, *recordingWriter) {
	w := &recordingWriter{}
	c := NewClient(id, id+"@example.com", room, w, s.hub.QueueSize())
	go c.WritePump()
	s.Require().NoError(s.hub.Join(s.ctx, c))
	return c, w
}

func (s *HubSuite) say(room, text string, opts BroadcastOptions) {
	s.Require().NoError(s.hub.Broadcast(s.ctx, room, models.EventChatMessage, models.NewUserMessage("tester", text), opts))
}

func (s *HubSuite) waitFor(w *recordingWriter, n int) {
	s.Require().Eventually(func() bool { return w.count() >= n }, 2*time.Second, 5*time.Millisecond)
}

// TestJoinLeave tests membership bookkeeping.
func (s *HubSuite) TestJoinLeave() {
	a, _ := s.newClient("a", "room-1")
	s.newClient("b", "room-1")
	s.newClient("c", "room-2")

	s.Equal(3, s.hub.ConnectionCount())
	s.Equal(2, s.hub.RoomCount())

	// Joining again is a no-op
	s.Require().NoError(s.hub.Join(s.ctx, a))
	s.Equal(3, s.hub.ConnectionCount())

	members, err := s.hub.Members(s.ctx, "room-1")
	s.NoError(err)
	s.ElementsMatch([]string{"a", "b"}, members)

	s.hub.Leave(s.ctx, "a")
	s.Equal(2, s.hub.ConnectionCount())
	_, ok := s.hub.RoomOf("a")
	s.False(ok)

	// Leaving twice is safe
	s.hub.Leave(s.ctx, "a")
	s.hub.Leave(s.ctx, "never-joined")
	s.Equal(2, s.hub.ConnectionCount())

	members, err = s.hub.Members(s.ctx, "room-1")
	s.NoError(err)
	s.Equal([]string{"b"}, members)
}

// TestJoinMovesBetweenRooms tests that a connection is in at most one room.
func (s *HubSuite) TestJoinMovesBetweenRooms() {
	c, _ := s.newClient("a", "room-1")

	c.ProjectID = "room-2"
	s.Require().NoError(s.hub.Join(s.ctx, c))

	room, ok := s.hub.RoomOf("a")
	s.True(ok)
	s.Equal("room-2", room)
	s.Equal(1, s.hub.ConnectionCount())

	members, err := s.hub.Members(s.ctx, "room-1")
	s.NoError(err)
	s.Empty(members)
}

// TestBroadcastOrder tests that every member sees the same order.
func (s *HubSuite) TestBroadcastOrder() {
	writers := make([]*recordingWriter, 0, 4)
	for i := 0; i < 4; i++ {
		_, w := s.newClient(fmt.Sprintf("c%d", i), "room-1")
		writers = append(writers, w)
	}

	want := make([]string, 50)
	for i := range want {
		want[i] = fmt.Sprintf("msg-%02d", i)
		s.say("room-1", want[i], Everyone())
	}

	for _, w := range writers {
		s.waitFor(w, len(want))
		s.Equal(want, w.messages(s.T()))
	}
}

// TestBroadcastOrderConcurrentRooms tests ordering while other rooms are busy.
func (s *HubSuite) TestBroadcastOrderConcurrentRooms() {
	_, w1 := s.newClient("a", "room-1")
	_, w2 := s.newClient("b", "room-1")
	_, other := s.newClient("c", "room-2")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			s.say("room-2", fmt.Sprintf("noise-%d", i), Everyone())
		}
	}()
	for i := 0; i < 40; i++ {
		s.say("room-1", fmt.Sprintf("m-%d", i), Everyone())
	}
	wg.Wait()

	s.waitFor(w1, 40)
	s.waitFor(w2, 40)
	s.waitFor(other, 40)
	s.Equal(w1.messages(s.T()), w2.messages(s.T()))
	s.Equal("m-0", w1.messages(s.T())[0])
	s.Equal("m-39", w1.messages(s.T())[39])
}

// TestLateJoinerMissesEarlierMessages tests the membership snapshot.
func (s *HubSuite) TestLateJoinerMissesEarlierMessages() {
	_, early := s.newClient("early", "room-1")

	s.say("room-1", "before", Everyone())
	_, late := s.newClient("late", "room-1")
	s.say("room-1", "after", Everyone())

	s.waitFor(early, 2)
	s.waitFor(late, 1)
	s.Equal([]string{"before", "after"}, early.messages(s.T()))
	s.Equal([]string{"after"}, late.messages(s.T()))
}

// TestSenderInclusion tests both delivery modes.
func (s *HubSuite) TestSenderInclusion() {
	_, sender := s.newClient("sender", "room-1")
	_, peer := s.newClient("peer", "room-1")

	s.say("room-1", "plain", ExceptSender("sender"))
	s.say("room-1", "ai", IncludingSender("sender"))

	s.waitFor(peer, 2)
	s.waitFor(sender, 1)
	s.Equal([]string{"plain", "ai"}, peer.messages(s.T()))
	s.Equal([]string{"ai"}, sender.messages(s.T()))
}

// TestRoomIsolation tests that rooms never see each other's messages.
func (s *HubSuite) TestRoomIsolation() {
	_, a := s.newClient("a", "room-1")
	_, b := s.newClient("b", "room-2")

	s.say("room-1", "for-one", Everyone())
	s.say("room-2", "for-two", Everyone())

	s.waitFor(a, 1)
	s.waitFor(b, 1)
	s.Equal([]string{"for-one"}, a.messages(s.T()))
	s.Equal([]string{"for-two"}, b.messages(s.T()))
}

// TestBroadcastToUnknownRoom tests that empty rooms swallow broadcasts.
func (s *HubSuite) TestBroadcastToUnknownRoom() {
	s.NoError(s.hub.Broadcast(s.ctx, "nobody-here", models.EventChatMessage, "x", Everyone()))
	s.Equal(0, s.hub.RoomCount())
}

// TestLeaveDuringBroadcast tests that a departing member never fails a broadcast.
func (s *HubSuite) TestLeaveDuringBroadcast() {
	_, stay := s.newClient("stay", "room-1")
	gone, _ := s.newClient("gone", "room-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 30; i++ {
			s.NoError(s.hub.Broadcast(s.ctx, "room-1", models.EventChatMessage,
				models.NewUserMessage("x", fmt.Sprintf("m-%d", i)), Everyone()))
		}
	}()

	gone.Close()
	s.hub.Leave(s.ctx, "gone")

	members, err := s.hub.Members(s.ctx, "room-1")
	s.NoError(err)
	s.Equal([]string{"stay"}, members)

	<-done
	s.waitFor(stay, 30)
}

// TestSlowClientDoesNotBlockRoom tests that a stuck transport is evicted.
func (s *HubSuite) TestSlowClientDoesNotBlockRoom() {
	block := make(chan struct{})
	defer close(block)

	stuck := &recordingWriter{block: block}
	c := NewClient("stuck", "", "room-1", stuck, 4)
	go c.WritePump()
	s.Require().NoError(s.hub.Join(s.ctx, c))
	_, healthy := s.newClient("healthy", "room-1")

	for i := 0; i < 20; i++ {
		s.say("room-1", fmt.Sprintf("m-%d", i), Everyone())
	}

	s.waitFor(healthy, 20)
	s.Eventually(c.Closed, time.Second, 5*time.Millisecond)

	members, err := s.hub.Members(s.ctx, "room-1")
	s.NoError(err)
	s.Equal([]string{"healthy"}, members)
}

// TestBlockedRoomDoesNotBlockOthers tests cross-room independence.
func (s *HubSuite) TestBlockedRoomDoesNotBlockOthers() {
	block := make(chan struct{})
	defer close(block)

	stuck := &recordingWriter{block: block}
	c := NewClient("stuck", "", "room-1", stuck, 1024)
	go c.WritePump()
	s.Require().NoError(s.hub.Join(s.ctx, c))
	_, other := s.newClient("other", "room-2")

	for i := 0; i < 100; i++ {
		s.say("room-1", "busy", Everyone())
	}
	s.say("room-2", "hello", Everyone())

	s.waitFor(other, 1)
	s.Equal([]string{"hello"}, other.messages(s.T()))
}

// TestSweepReapsEmptyRooms tests idle room reaping.
func (s *HubSuite) TestSweepReapsEmptyRooms() {
	s.newClient("a", "room-1")
	s.newClient("b", "room-2")
	s.hub.Leave(s.ctx, "b")

	s.hub.Sweep()
	s.Equal(1, s.hub.RoomCount())

	// The reaped room comes back on the next join
	_, w := s.newClient("c", "room-2")
	s.Equal(2, s.hub.RoomCount())
	s.say("room-2", "again", Everyone())
	s.waitFor(w, 1)
}

// TestBroadcastLog tests console-log records.
// TestSweepDoesNotStallOtherRooms tests that a room slow to answer the sweep
// does not hold up joins and broadcasts in other rooms.
func (s *HubSuite) TestSweepDoesNotStallOtherRooms() {
	// An actor that never runs answers nothing until the sweep times out.
	stuck := newRoom("stuck", s.hub.metrics)
	s.hub.mu.Lock()
	s.hub.rooms["stuck"] = stuck
	s.hub.mu.Unlock()

	swept := make(chan struct{})
	go func() {
		defer close(swept)
		s.hub.Sweep()
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, w := s.newClient("c1", "room-2")
	s.say("room-2", "hello", Everyone())
	s.waitFor(w, 1)
	s.Less(time.Since(start), 500*time.Millisecond)

	<-swept
	s.hub.mu.Lock()
	_, kept := s.hub.rooms["stuck"]
	s.hub.mu.Unlock()
	s.True(kept, "a room that did not answer is kept")

	s.hub.mu.Lock()
	delete(s.hub.rooms, "stuck")
	s.hub.mu.Unlock()
	close(stuck.done)
}

func (s *HubSuite) TestBroadcastLog() {
	_, w := s.newClient("a", "room-1")

	rec := models.NewLogRecord("room-1", "npm WARN deprecated", models.SeverityError)
	s.NoError(s.hub.BroadcastLog(s.ctx, rec))
	s.waitFor(w, 1)

	var frame struct {
		Event string           `json:"event"`
		Data  models.LogRecord `json:"data"`
	}
	w.mu.Lock()
	s.Require().NoError(json.Unmarshal(w.frames[0], &frame))
	w.mu.Unlock()
	s.Equal(models.EventConsoleLog, frame.Event)
	s.Equal("npm WARN deprecated", frame.Data.Message)
	s.Equal(models.SeverityError, frame.Data.Type)
	s.False(frame.Data.Timestamp.IsZero())
}

// TestStop tests that stopping closes every client.
func (s *HubSuite) TestStop() {
	a, wa := s.newClient("a", "room-1")
	b, wb := s.newClient("b", "room-2")

	s.hub.Stop()

	s.True(a.Closed())
	s.True(b.Closed())
	s.True(wa.isClosed())
	s.True(wb.isClosed())
	s.Equal(0, s.hub.ConnectionCount())
	s.ErrorIs(s.hub.Join(s.ctx, NewClient("late", "", "room-1", &recordingWriter{}, 1)), ErrRoomClosed)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := New(Options{SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	w := &recordingWriter{}
	c := NewClient("a", "", "room-1", w, 1)
	require.NoError(t, h.Join(context.Background(), c))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, c.Closed())
}

func TestClientSendAfterClose(t *testing.T) {
	c := NewClient("a", "", "room-1", &recordingWriter{}, 1)
	assert.True(t, c.SendEvent(models.EventError, models.ErrorPayload{Message: "x"}))
	// Queue is full now
	assert.False(t, c.Send([]byte("y")))
	c.Close()
	c.Close()
	assert.False(t, c.Send([]byte("z")))
}
