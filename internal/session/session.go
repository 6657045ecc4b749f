// Package session holds the call state machine for one video consultation:
// idle → waiting → connecting → connected, with waiting re-entered when the
// remote peer drops and idle reached only through the single cleanup routine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pion/webrtc/v4"

	"github.com/carelink/teleconsult/internal/history"
	"github.com/carelink/teleconsult/internal/media"
	"github.com/carelink/teleconsult/internal/notify"
	"github.com/carelink/teleconsult/internal/room"
)

// ErrConnectionFailed marks a native peer connection reaching failed state.
// Not auto-retried; the user must manually rejoin.
var ErrConnectionFailed = errors.New("peer connection failed")

// ErrNotRegistered means the signaling server has not yet issued a socket ID.
var ErrNotRegistered = errors.New("not registered with signaling server")

// Status is the call session state.
type Status int

const (
	StatusIdle Status = iota
	StatusWaiting
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "idle"
	}
}

// Config carries the local identity and call parameters.
type Config struct {
	PeerID                   string
	DisplayName              string
	Role                     string
	ScheduledDurationMinutes int
}

// Session is the single call session for this client. All state below mu is
// owned exclusively by the session; asynchronous continuations capture the
// generation counter and re-check it before mutating anything, so a stale
// completion after leave or rejoin is a silent no-op.
type Session struct {
	cfg     Config
	logger  *zap.Logger
	signal  Signaler
	source  MediaSource
	rooms   RoomService
	dialer  PeerDialer
	journal Journal // may be nil
	sink    notify.Sink

	mu         sync.Mutex
	generation uint64
	status     Status
	socketID   string

	roomID            string
	sessionID         string
	remoteSocketID    string
	remotePeerID      string
	remoteName        string
	remoteStreamReady bool
	muted             bool
	videoOff          bool

	stream            MediaStream
	conn              PeerLink
	pendingCandidates []webrtc.ICECandidateInit

	startedAt       time.Time
	durationSeconds int
	timerStop       chan struct{}

	regOnce    sync.Once
	registered chan struct{}
}

func New(cfg Config, signal Signaler, source MediaSource, rooms RoomService, dialer PeerDialer, journal Journal, sink notify.Sink, logger *zap.Logger) *Session {
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	return &Session{
		cfg:        cfg,
		logger:     logger.Named("session"),
		signal:     signal,
		source:     source,
		rooms:      rooms,
		dialer:     dialer,
		journal:    journal,
		sink:       sink,
		registered: make(chan struct{}),
	}
}

// PeerID returns the durable peer identity.
func (s *Session) PeerID() string { return s.cfg.PeerID }

// WaitRegistered blocks until the signaling server has issued a socket ID.
func (s *Session) WaitRegistered(ctx context.Context) error {
	select {
	case <-s.registered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join validates the room, acquires media, registers with the room service
// and announces presence. Any failure before announcement leaves no resource
// behind: status is checked first, media second, signaling last.
func (s *Session) Join(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return fmt.Errorf("cannot join %s: session already active in room %s", roomID, s.roomID)
	}
	socketID := s.socketID
	s.mu.Unlock()

	if socketID == "" {
		return ErrNotRegistered
	}

	status, err := s.rooms.GetStatus(ctx, roomID)
	if err != nil {
		s.sink.Push(notify.Notice{Level: notify.LevelError, Message: "unable to verify the consultation room"})
		return fmt.Errorf("failed to validate room %s: %w", roomID, err)
	}
	if !status.Exists || status.IsCompleted || (!status.CanJoin && !status.CanRejoin) {
		s.sink.Push(notify.Notice{Level: notify.LevelError, Message: "this consultation room is unavailable"})
		return fmt.Errorf("room %s not joinable (exists=%v completed=%v): %w",
			roomID, status.Exists, status.IsCompleted, room.ErrRoomInvalid)
	}

	stream, err := s.source.Acquire()
	if err != nil {
		s.sink.Push(notify.Notice{Level: notify.LevelError, Message: "camera or microphone unavailable"})
		return fmt.Errorf("failed to acquire local media: %w", err)
	}

	if status.CanJoin {
		err = s.rooms.Join(ctx, roomID, s.cfg.PeerID, socketID)
	} else {
		err = s.rooms.Rejoin(ctx, roomID, s.cfg.PeerID, socketID)
	}
	if err != nil {
		stream.Release()
		s.sink.Push(notify.Notice{Level: notify.LevelError, Message: "the room service rejected the join"})
		return fmt.Errorf("room service rejected join for %s: %w", roomID, err)
	}

	s.mu.Lock()
	s.roomID = roomID
	s.sessionID = uuid.NewString()
	s.stream = stream
	s.status = StatusWaiting
	s.startedAt = time.Now()
	s.durationSeconds = 0
	s.generation++
	s.mu.Unlock()

	if err := s.signal.JoinRoom(roomID); err != nil {
		s.cleanup(history.OutcomeFailed)
		return fmt.Errorf("failed to announce presence in %s: %w", roomID, err)
	}

	s.logger.Info("joined room", zap.String("room", roomID))
	s.sink.Push(notify.Notice{Level: notify.LevelInfo, Message: "waiting for the other participant"})
	return nil
}

// Rejoin recovers a live session after a disconnect: the old peer connection
// is force-closed, remote-stream state is reset, the local stream is reused
// when still active, and presence is re-announced. The session re-enters
// waiting without passing through idle.
func (s *Session) Rejoin(ctx context.Context) error {
	s.mu.Lock()
	if s.roomID == "" || s.status == StatusIdle {
		s.mu.Unlock()
		return fmt.Errorf("no active session to rejoin")
	}
	roomID := s.roomID
	socketID := s.socketID

	s.generation++
	conn := s.conn
	s.conn = nil
	s.remoteSocketID = ""
	s.remotePeerID = ""
	s.remoteName = ""
	s.remoteStreamReady = false
	s.pendingCandidates = nil
	s.status = StatusWaiting
	stream := s.stream
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if socketID == "" {
		return ErrNotRegistered
	}

	if stream == nil || stream.ActiveTracks() == 0 {
		fresh, err := s.source.Acquire()
		if err != nil {
			s.sink.Push(notify.Notice{Level: notify.LevelError, Message: "camera or microphone unavailable"})
			return fmt.Errorf("failed to re-acquire local media: %w", err)
		}
		s.mu.Lock()
		s.stream = fresh
		s.mu.Unlock()
	}

	if err := s.rooms.Rejoin(ctx, roomID, s.cfg.PeerID, socketID); err != nil {
		s.sink.Push(notify.Notice{Level: notify.LevelError, Message: "the room service rejected the rejoin"})
		return fmt.Errorf("room service rejected rejoin for %s: %w", roomID, err)
	}

	if err := s.signal.JoinRoom(roomID); err != nil {
		return fmt.Errorf("failed to re-announce presence in %s: %w", roomID, err)
	}

	s.logger.Info("rejoined room", zap.String("room", roomID))
	return nil
}

// ToggleMute flips the microphone and tells the remote peer. Tracks are
// muted in place; nothing is re-acquired or renegotiated.
func (s *Session) ToggleMute() error {
	return s.toggle(media.KindAudio)
}

// ToggleVideo flips the camera and tells the remote peer.
func (s *Session) ToggleVideo() error {
	return s.toggle(media.KindVideo)
}

func (s *Session) toggle(kind string) error {
	s.mu.Lock()
	if s.stream == nil {
		s.mu.Unlock()
		return fmt.Errorf("no active media stream")
	}
	var enabled bool
	if kind == media.KindAudio {
		s.muted = !s.muted
		enabled = !s.muted
	} else {
		s.videoOff = !s.videoOff
		enabled = !s.videoOff
	}
	s.stream.SetEnabled(kind, enabled)
	remote := s.remoteSocketID
	s.mu.Unlock()

	if remote == "" {
		return nil
	}
	if err := s.signal.SendMediaChange(remote, kind, enabled); err != nil {
		return fmt.Errorf("failed to signal media change: %w", err)
	}
	return nil
}

// End finishes the call explicitly: the remote peer is told, the room
// service is informed of the elapsed duration, and everything funnels
// through cleanup.
func (s *Session) End(ctx context.Context) error {
	return s.terminate(ctx, true)
}

// Leave exits the room without an end-call signal to the remote peer.
func (s *Session) Leave(ctx context.Context) error {
	return s.terminate(ctx, false)
}

func (s *Session) terminate(ctx context.Context, sendEndCall bool) error {
	s.mu.Lock()
	if s.status == StatusIdle {
		s.mu.Unlock()
		return nil
	}
	roomID := s.roomID
	remote := s.remoteSocketID
	sessionID := s.sessionID
	duration := s.durationSeconds
	s.mu.Unlock()

	if sendEndCall && remote != "" {
		if err := s.signal.SendEndCall(remote, sessionID); err != nil {
			s.logger.Warn("failed to send end-call", zap.Error(err))
		}
	}

	outcome := history.OutcomeLeft
	ended, err := s.rooms.Leave(ctx, roomID, duration)
	if err != nil {
		s.logger.Warn("room service leave failed", zap.String("room", roomID), zap.Error(err))
	} else if ended {
		outcome = history.OutcomeCompleted
	}

	if err := s.signal.LeaveRoom(roomID); err != nil {
		s.logger.Warn("failed to send leave-room", zap.Error(err))
	}

	s.cleanup(outcome)
	return nil
}

// Close releases everything without contacting the room service; used on
// component teardown (navigation away, process shutdown).
func (s *Session) Close() {
	s.cleanup(history.OutcomeDisconnected)
}

// cleanup is the single exit routine every terminal path funnels through:
// it stops further signaling for the room/peer pair, closes the peer
// connection, releases the local stream and clears the duration timer, then
// resets the state machine to idle. Idempotent.
func (s *Session) cleanup(outcome history.Outcome) {
	s.mu.Lock()
	s.generation++

	conn := s.conn
	s.conn = nil
	stream := s.stream
	s.stream = nil

	if s.timerStop != nil {
		close(s.timerStop)
		s.timerStop = nil
	}

	var rec *history.CallRecord
	if s.roomID != "" {
		rec = &history.CallRecord{
			RoomID:          s.roomID,
			PeerID:          s.cfg.PeerID,
			RemotePeerID:    s.remotePeerID,
			RemoteName:      s.remoteName,
			StartedAt:       s.startedAt,
			DurationSeconds: s.durationSeconds,
			Outcome:         outcome,
		}
	}

	s.roomID = ""
	s.sessionID = ""
	s.remoteSocketID = ""
	s.remotePeerID = ""
	s.remoteName = ""
	s.remoteStreamReady = false
	s.pendingCandidates = nil
	s.muted = false
	s.videoOff = false
	s.durationSeconds = 0
	s.status = StatusIdle
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("failed to close peer connection", zap.Error(err))
		}
	}
	if stream != nil {
		stream.Release()
	}

	if rec != nil && s.journal != nil {
		if err := s.journal.Record(context.Background(), *rec); err != nil {
			s.logger.Warn("failed to record call history", zap.Error(err))
		}
	}

	s.logger.Info("session cleaned up", zap.String("outcome", string(outcome)))
}

// runTimer counts elapsed call seconds.
func (s *Session) runTimer(stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick advances the call duration by one second. The overrun notice fires on
// the exact tick the scheduled duration is crossed, so it fires once per
// call with no sticky flag.
func (s *Session) tick() {
	s.mu.Lock()
	s.durationSeconds++
	overrun := s.cfg.ScheduledDurationMinutes > 0 &&
		s.durationSeconds == s.cfg.ScheduledDurationMinutes*60
	s.mu.Unlock()

	if overrun {
		s.sink.Push(notify.Notice{Level: notify.LevelWarn, Message: "scheduled consultation time exceeded"})
	}
}

// Accessors for the embedding UI and tests.

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SocketID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketID
}

func (s *Session) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) IsVideoOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOff
}

func (s *Session) RemoteStreamReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStreamReady
}

func (s *Session) DurationSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationSeconds
}
