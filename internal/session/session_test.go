package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pion/webrtc/v4"

	"github.com/carelink/teleconsult/internal/history"
	"github.com/carelink/teleconsult/internal/media"
	"github.com/carelink/teleconsult/internal/notify"
	"github.com/carelink/teleconsult/internal/room"
	"github.com/carelink/teleconsult/internal/rtc"
	"github.com/carelink/teleconsult/internal/signaling"
)

// ---- fakes ----

type sentOffer struct {
	roomID, to string
}

type fakeSignaler struct {
	mu           sync.Mutex
	joinedRooms  []string
	leftRooms    []string
	offers       []sentOffer
	answers      []sentOffer
	candidates   []signaling.ICECandidate
	mediaChanges []signaling.MediaChange
	endCalls     int
}

func (f *fakeSignaler) JoinRoom(roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinedRooms = append(f.joinedRooms, roomID)
	return nil
}

func (f *fakeSignaler) LeaveRoom(roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leftRooms = append(f.leftRooms, roomID)
	return nil
}

func (f *fakeSignaler) SendOffer(roomID, to string, _ webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sentOffer{roomID, to})
	return nil
}

func (f *fakeSignaler) SendAnswer(roomID, to string, _ webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sentOffer{roomID, to})
	return nil
}

func (f *fakeSignaler) SendCandidate(roomID, to string, candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, signaling.ICECandidate{RoomID: roomID, To: to, Candidate: candidate})
	return nil
}

func (f *fakeSignaler) SendMediaChange(to, kind string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaChanges = append(f.mediaChanges, signaling.MediaChange{To: to, Type: kind, Enabled: enabled})
	return nil
}

func (f *fakeSignaler) SendEndCall(string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	return nil
}

func (f *fakeSignaler) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joinedRooms)
}

type fakeStream struct {
	mu       sync.Mutex
	released bool
	enabled  map[string]bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{enabled: map[string]bool{media.KindAudio: true, media.KindVideo: true}}
}

func (f *fakeStream) SetEnabled(kind string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[kind] = enabled
}

func (f *fakeStream) ActiveTracks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return 0
	}
	return 2
}

func (f *fakeStream) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

type fakeSource struct {
	mu       sync.Mutex
	acquires int
	err      error
	streams  []*fakeStream
}

func (f *fakeSource) Acquire() (MediaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquires++
	s := newFakeStream()
	f.streams = append(f.streams, s)
	return s, nil
}

type fakeRooms struct {
	mu        sync.Mutex
	status    room.Status
	statusErr error
	joins     int
	rejoins   int
	leaves    int
	leaveEnds bool
}

func (f *fakeRooms) GetStatus(context.Context, string) (room.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeRooms) Join(context.Context, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	return nil
}

func (f *fakeRooms) Rejoin(context.Context, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejoins++
	return nil
}

func (f *fakeRooms) Leave(context.Context, string, int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return f.leaveEnds, nil
}

func (f *fakeRooms) rejoinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejoins
}

type fakeJournal struct {
	mu      sync.Mutex
	records []history.CallRecord
}

func (f *fakeJournal) Record(_ context.Context, rec history.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeJournal) all() []history.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.CallRecord(nil), f.records...)
}

type fakePeer struct {
	mu      sync.Mutex
	state   webrtc.PeerConnectionState
	closed  int
	offers  int
	answers int
	applied []webrtc.ICECandidateInit
}

func (f *fakePeer) Offer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (f *fakePeer) Answer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (f *fakePeer) ApplyRemoteDescription(webrtc.SessionDescription) error { return nil }

func (f *fakePeer) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakePeer) State() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePeer) setState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.state = webrtc.PeerConnectionStateClosed
	return nil
}

func (f *fakePeer) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	peers  []*fakePeer
	events []rtc.PeerEvents
}

func (f *fakeDialer) Dial(_, _ string, _ MediaStream, ev rtc.PeerEvents) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	p := &fakePeer{state: webrtc.PeerConnectionStateNew}
	f.peers = append(f.peers, p)
	f.events = append(f.events, ev)
	return p, nil
}

func (f *fakeDialer) lastPeer() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *fakeDialer) lastEvents() rtc.PeerEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

type harness struct {
	session *Session
	signal  *fakeSignaler
	source  *fakeSource
	rooms   *fakeRooms
	dialer  *fakeDialer
	journal *fakeJournal
	notices *notify.BufferSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		signal:  &fakeSignaler{},
		source:  &fakeSource{},
		rooms:   &fakeRooms{status: room.Status{Exists: true, CanJoin: true}},
		dialer:  &fakeDialer{},
		journal: &fakeJournal{},
		notices: notify.NewBufferSink(),
	}
	h.session = New(Config{
		PeerID:                   "peer-local",
		DisplayName:              "Dr. Reyes",
		Role:                     "doctor",
		ScheduledDurationMinutes: 1,
	}, h.signal, h.source, h.rooms, h.dialer, h.journal, h.notices, zap.NewNop())
	return h
}

func (h *harness) register(t *testing.T, socketID string) {
	t.Helper()
	h.session.OnRegistered(signaling.Registered{PeerID: "peer-local", SocketID: socketID})
}

func (h *harness) join(t *testing.T, roomID string) {
	t.Helper()
	if err := h.session.Join(context.Background(), roomID); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
}

func roster(roomID string, sockets ...string) signaling.RoomUsersUpdated {
	msg := signaling.RoomUsersUpdated{RoomID: roomID, ParticipantsCount: len(sockets)}
	for _, s := range sockets {
		msg.Participants = append(msg.Participants, signaling.Participant{
			SocketID: s,
			PeerID:   "peer-" + s,
			Name:     "n-" + s,
		})
	}
	return msg
}

// ---- tests ----

func TestRosterIndexZeroOffers(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")

	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))

	if got := h.session.Status(); got != StatusConnecting {
		t.Fatalf("expected connecting, got %s", got)
	}
	if h.dialer.dialCount() != 1 {
		t.Fatalf("expected 1 dial, got %d", h.dialer.dialCount())
	}
	if len(h.signal.offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(h.signal.offers))
	}
	if h.signal.offers[0].to != "sock-b" {
		t.Errorf("offer addressed to %s, want sock-b", h.signal.offers[0].to)
	}

	h.dialer.lastEvents().OnRemoteTrack("video")
	if got := h.session.Status(); got != StatusConnected {
		t.Fatalf("expected connected after remote track, got %s", got)
	}
	if !h.session.RemoteStreamReady() {
		t.Error("remote stream should be marked ready")
	}
}

func TestRosterIndexOneNeverOffers(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-b")
	h.join(t, "R1")

	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))

	if len(h.signal.offers) != 0 {
		t.Fatalf("answerer must not offer, got %d offers", len(h.signal.offers))
	}
	if h.dialer.dialCount() != 1 {
		t.Fatalf("answerer should still create its connection, dials=%d", h.dialer.dialCount())
	}

	h.session.OnOffer(signaling.Offer{
		RoomID: "R1",
		From:   "sock-a",
		Offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	})

	if len(h.signal.answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(h.signal.answers))
	}
	if h.signal.answers[0].to != "sock-a" {
		t.Errorf("answer addressed to %s, want sock-a", h.signal.answers[0].to)
	}
	if len(h.signal.offers) != 0 {
		t.Errorf("answerer emitted an offer")
	}
}

func TestCompletedRoomBlocksMediaAndSignaling(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.rooms.status = room.Status{Exists: true, IsCompleted: true}

	err := h.session.Join(context.Background(), "R2")
	if err == nil {
		t.Fatal("expected join to fail for completed room")
	}
	if !errors.Is(err, room.ErrRoomInvalid) {
		t.Fatalf("expected ErrRoomInvalid, got %v", err)
	}
	if h.source.acquires != 0 {
		t.Error("media must not be acquired for an invalid room")
	}
	if len(h.signal.joinedRooms) != 0 {
		t.Error("no signaling may be emitted for an invalid room")
	}
	if got := h.session.Status(); got != StatusIdle {
		t.Errorf("expected idle, got %s", got)
	}
	if len(h.notices.Drain()) == 0 {
		t.Error("expected a surfaced error notice")
	}
}

func TestDuplicateRosterUpdateCreatesNoSecondConnection(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")

	msg := roster("R1", "sock-a", "sock-b")
	h.session.OnRoomUsers(msg)
	h.dialer.lastPeer().setState(webrtc.PeerConnectionStateConnected)
	h.dialer.lastEvents().OnRemoteTrack("video")

	h.session.OnRoomUsers(msg)

	if h.dialer.dialCount() != 1 {
		t.Fatalf("duplicate roster update created a second connection: dials=%d", h.dialer.dialCount())
	}
	if got := h.session.Status(); got != StatusConnected {
		t.Errorf("expected connected, got %s", got)
	}
}

func TestFailedConnectionReplacedOnRoster(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")

	msg := roster("R1", "sock-a", "sock-b")
	h.session.OnRoomUsers(msg)
	first := h.dialer.lastPeer()
	first.setState(webrtc.PeerConnectionStateFailed)

	h.session.OnRoomUsers(msg)

	if h.dialer.dialCount() != 2 {
		t.Fatalf("failed connection should be replaced, dials=%d", h.dialer.dialCount())
	}
	if first.closed == 0 {
		t.Error("failed connection was not closed before replacement")
	}
}

func TestRemoteLeaveReturnsToWaiting(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-b")
	h.join(t, "R1")

	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))
	peer := h.dialer.lastPeer()
	h.dialer.lastEvents().OnRemoteTrack("video")

	h.session.OnUserLeft(signaling.UserLeft{Name: "Dr. A", IsDisconnect: true})

	if got := h.session.Status(); got != StatusWaiting {
		t.Fatalf("expected waiting after remote disconnect, got %s", got)
	}
	if h.session.RemoteStreamReady() {
		t.Error("remote stream must not stay marked ready")
	}
	if peer.closed == 0 {
		t.Error("peer connection was not closed")
	}
	if h.source.streams[0].released {
		t.Error("local stream must stay alive while waiting")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")
	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))
	peer := h.dialer.lastPeer()

	if err := h.session.End(context.Background()); err != nil {
		t.Fatalf("first End failed: %v", err)
	}
	if err := h.session.End(context.Background()); err != nil {
		t.Fatalf("second End failed: %v", err)
	}

	if got := h.session.Status(); got != StatusIdle {
		t.Fatalf("expected idle, got %s", got)
	}
	stream := h.source.streams[0]
	if !stream.released {
		t.Error("local stream not released")
	}
	if stream.ActiveTracks() != 0 {
		t.Errorf("expected zero active tracks after cleanup, got %d", stream.ActiveTracks())
	}
	if peer.closed == 0 {
		t.Error("peer connection not closed")
	}
	if h.rooms.leaves != 1 {
		t.Errorf("room service leave called %d times, want 1", h.rooms.leaves)
	}
}

func TestToggleVideoTwiceEmitsOrderedMediaChanges(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")
	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))

	if err := h.session.ToggleVideo(); err != nil {
		t.Fatalf("first toggle failed: %v", err)
	}
	if err := h.session.ToggleVideo(); err != nil {
		t.Fatalf("second toggle failed: %v", err)
	}

	if h.session.IsVideoOff() {
		t.Error("video should be back on after two toggles")
	}
	if len(h.signal.mediaChanges) != 2 {
		t.Fatalf("expected exactly 2 media-change messages, got %d", len(h.signal.mediaChanges))
	}
	if h.signal.mediaChanges[0].Enabled || !h.signal.mediaChanges[1].Enabled {
		t.Errorf("media-change order wrong: got %+v", h.signal.mediaChanges)
	}
	for _, mc := range h.signal.mediaChanges {
		if mc.Type != media.KindVideo {
			t.Errorf("media-change kind %s, want video", mc.Type)
		}
	}
}

func TestToggleMuteTwiceEndsUnmuted(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")
	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))

	h.session.ToggleMute()
	h.session.ToggleMute()

	if h.session.IsMuted() {
		t.Error("expected unmuted after two toggles")
	}
	if len(h.signal.mediaChanges) != 2 {
		t.Fatalf("expected 2 media-change messages, got %d", len(h.signal.mediaChanges))
	}
}

func TestEarlyCandidateDrainedIntoConnection(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-b")
	h.join(t, "R1")

	early := webrtc.ICECandidateInit{Candidate: "early"}
	h.session.OnICECandidate(signaling.ICECandidate{Candidate: early})

	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))
	peer := h.dialer.lastPeer()

	late := webrtc.ICECandidateInit{Candidate: "late"}
	h.session.OnICECandidate(signaling.ICECandidate{Candidate: late})

	if len(peer.applied) != 2 {
		t.Fatalf("expected 2 candidates handed to connection, got %d", len(peer.applied))
	}
	if peer.applied[0].Candidate != "early" || peer.applied[1].Candidate != "late" {
		t.Errorf("candidates out of order: %+v", peer.applied)
	}
}

func TestRejoinReusesLiveStream(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")
	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))
	peer := h.dialer.lastPeer()

	if err := h.session.Rejoin(context.Background()); err != nil {
		t.Fatalf("Rejoin failed: %v", err)
	}

	if got := h.session.Status(); got != StatusWaiting {
		t.Fatalf("expected waiting after rejoin, got %s", got)
	}
	if peer.closed == 0 {
		t.Error("old connection must be force-closed on rejoin")
	}
	if h.source.acquires != 1 {
		t.Errorf("live stream should be reused, acquires=%d", h.source.acquires)
	}
	if h.rooms.rejoins != 1 {
		t.Errorf("expected 1 rejoin call, got %d", h.rooms.rejoins)
	}
	if len(h.signal.joinedRooms) != 2 {
		t.Errorf("presence should be re-announced, join-room count=%d", len(h.signal.joinedRooms))
	}
}

func TestRejoinReacquiresReleasedStream(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")
	h.source.streams[0].Release()

	if err := h.session.Rejoin(context.Background()); err != nil {
		t.Fatalf("Rejoin failed: %v", err)
	}
	if h.source.acquires != 2 {
		t.Errorf("released stream should be re-acquired, acquires=%d", h.source.acquires)
	}
}

func TestPeerFailureReturnsToWaiting(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")
	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))
	peer := h.dialer.lastPeer()
	h.dialer.lastEvents().OnRemoteTrack("video")

	h.dialer.lastEvents().OnStateChange(webrtc.PeerConnectionStateFailed)

	if got := h.session.Status(); got != StatusWaiting {
		t.Fatalf("expected waiting after failure, got %s", got)
	}
	if peer.closed == 0 {
		t.Error("failed connection was not closed")
	}

	found := false
	for _, n := range h.notices.Drain() {
		if n.Level == notify.LevelError {
			found = true
		}
	}
	if !found {
		t.Error("connection failure was not surfaced")
	}
}

func TestStaleCallbackAfterLeaveIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")
	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))
	ev := h.dialer.lastEvents()

	if err := h.session.Leave(context.Background()); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	// Continuations issued for the old attempt must not resurrect state.
	ev.OnRemoteTrack("video")
	ev.OnStateChange(webrtc.PeerConnectionStateFailed)

	if got := h.session.Status(); got != StatusIdle {
		t.Fatalf("stale callback mutated session: status=%s", got)
	}
	if h.session.RemoteStreamReady() {
		t.Error("stale callback marked remote stream ready")
	}
}

func TestJoinRequiresRegistration(t *testing.T) {
	h := newHarness(t)

	err := h.session.Join(context.Background(), "R1")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestCallbacksFromReplacedConnectionIgnored(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")

	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))
	oldEvents := h.dialer.lastEvents()

	h.session.OnUserLeft(signaling.UserLeft{Name: "Dr. B", IsDisconnect: true})

	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-c"))
	if h.dialer.dialCount() != 2 {
		t.Fatalf("expected a replacement connection, dials=%d", h.dialer.dialCount())
	}
	replacement := h.dialer.lastPeer()

	// A track event from the dead connection must not drive the replacement
	// attempt to connected.
	oldEvents.OnRemoteTrack("video")
	if got := h.session.Status(); got != StatusConnecting {
		t.Fatalf("stale track mutated the session: status=%s", got)
	}
	if h.session.RemoteStreamReady() {
		t.Error("stale track marked remote stream ready")
	}

	// Nor may its failure tear the replacement down.
	oldEvents.OnStateChange(webrtc.PeerConnectionStateFailed)
	if got := h.session.Status(); got != StatusConnecting {
		t.Fatalf("stale failure mutated the session: status=%s", got)
	}
	if replacement.closedCount() != 0 {
		t.Error("stale failure closed the replacement connection")
	}

	h.dialer.lastEvents().OnRemoteTrack("video")
	if got := h.session.Status(); got != StatusConnected {
		t.Fatalf("replacement connection could not connect: status=%s", got)
	}
}

func TestFreshSocketIDTriggersAutomaticRejoin(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")
	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))
	peer := h.dialer.lastPeer()

	h.session.OnRegistered(signaling.Registered{PeerID: "peer-local", SocketID: "sock-a2"})

	deadline := time.Now().Add(2 * time.Second)
	for h.signal.joinCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if h.rooms.rejoinCount() != 1 {
		t.Fatalf("expected exactly 1 rejoin call, got %d", h.rooms.rejoinCount())
	}
	if h.signal.joinCount() != 2 {
		t.Fatalf("presence should be re-announced exactly once, join-room count=%d", h.signal.joinCount())
	}
	if got := h.session.Status(); got != StatusWaiting {
		t.Errorf("expected waiting after automatic rejoin, got %s", got)
	}
	if peer.closedCount() == 0 {
		t.Error("old connection must be force-closed on automatic rejoin")
	}
	if got := h.session.SocketID(); got != "sock-a2" {
		t.Errorf("socket id = %q, want sock-a2", got)
	}
}

func TestOverrunNoticeFiresExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sock-a")
	h.join(t, "R1")
	h.notices.Drain()

	for i := 0; i < 120; i++ {
		h.session.tick()
	}

	warns := 0
	for _, n := range h.notices.Drain() {
		if n.Level == notify.LevelWarn {
			warns++
		}
	}
	if warns != 1 {
		t.Fatalf("overrun notice fired %d times, want exactly 1", warns)
	}
	if got := h.session.DurationSeconds(); got != 120 {
		t.Errorf("duration = %d, want 120", got)
	}
}

func TestCleanupRecordsRemotePeer(t *testing.T) {
	h := newHarness(t)
	h.rooms.leaveEnds = true
	h.register(t, "sock-a")
	h.join(t, "R1")
	h.session.OnRoomUsers(roster("R1", "sock-a", "sock-b"))

	if err := h.session.End(context.Background()); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	recs := h.journal.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 journal record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.RoomID != "R1" {
		t.Errorf("room = %q, want R1", rec.RoomID)
	}
	if rec.PeerID != "peer-local" {
		t.Errorf("peer = %q, want peer-local", rec.PeerID)
	}
	if rec.RemotePeerID != "peer-sock-b" {
		t.Errorf("remote peer = %q, want peer-sock-b", rec.RemotePeerID)
	}
	if rec.RemoteName != "n-sock-b" {
		t.Errorf("remote name = %q, want n-sock-b", rec.RemoteName)
	}
	if rec.Outcome != history.OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", rec.Outcome)
	}
}
