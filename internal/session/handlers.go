package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pion/webrtc/v4"

	"github.com/carelink/teleconsult/internal/notify"
	"github.com/carelink/teleconsult/internal/rtc"
	"github.com/carelink/teleconsult/internal/signaling"
)

// The session implements signaling.Handler. Handlers run on the signaling
// read loop, one at a time. The generation counter advances on every
// transition that discards or replaces the peer connection (join, rejoin,
// leave, remote departure, failure), so a continuation bound to a dead
// connection never acts on its replacement.
var _ signaling.Handler = (*Session)(nil)

func (s *Session) OnRegistered(msg signaling.Registered) {
	s.mu.Lock()
	previous := s.socketID
	s.socketID = msg.SocketID
	active := s.status != StatusIdle && s.roomID != ""
	s.mu.Unlock()

	s.regOnce.Do(func() { close(s.registered) })
	s.logger.Info("registered with signaling server", zap.String("socket", msg.SocketID))

	// A fresh socket ID while a room is active means the transport dropped
	// and came back: recover through the rejoin path, not a fresh join.
	if active && previous != "" && previous != msg.SocketID {
		go func() {
			if err := s.Rejoin(context.Background()); err != nil {
				s.logger.Error("automatic rejoin failed", zap.Error(err))
			}
		}()
	}
}

// OnRoomUsers drives waiting → connecting. The roster is authoritative: this
// session's index in it decides who offers (index 0) and who answers
// (index 1), which avoids glare without any extra negotiation round.
func (s *Session) OnRoomUsers(msg signaling.RoomUsersUpdated) {
	s.mu.Lock()
	if s.status == StatusIdle || msg.RoomID != s.roomID {
		s.mu.Unlock()
		return
	}
	if msg.ParticipantsCount != 2 || len(msg.Participants) != 2 {
		s.mu.Unlock()
		return
	}

	own := -1
	for i, p := range msg.Participants {
		if p.SocketID == s.socketID {
			own = i
			break
		}
	}
	if own < 0 {
		// Roster for a socket ID we no longer hold; stale, ignore.
		s.mu.Unlock()
		return
	}
	other := msg.Participants[1-own]

	// Idempotency guard: a repeated roster update must never create a second
	// peer connection while one is live or negotiating. Anything else
	// (failed, closed) is torn down before a new attempt.
	if s.conn != nil {
		switch s.conn.State() {
		case webrtc.PeerConnectionStateNew,
			webrtc.PeerConnectionStateConnecting,
			webrtc.PeerConnectionStateConnected:
			s.mu.Unlock()
			return
		default:
			s.conn.Close()
			s.conn = nil
			s.generation++
		}
	}

	s.remoteSocketID = other.SocketID
	s.remotePeerID = other.PeerID
	s.remoteName = other.Name
	offerer := own == 0
	s.toConnectingLocked()
	gen := s.generation
	s.mu.Unlock()

	conn, err := s.dial(gen)
	if err != nil {
		s.failNegotiation(gen, err)
		return
	}
	if conn == nil {
		return
	}

	if offerer {
		s.sendOffer(gen, conn)
	}
}

// OnOffer handles the answerer side. If the offer outruns the roster update,
// the wrapper is created here.
func (s *Session) OnOffer(msg signaling.Offer) {
	s.mu.Lock()
	if s.status == StatusIdle || (msg.RoomID != "" && msg.RoomID != s.roomID) {
		s.mu.Unlock()
		return
	}
	if s.remoteSocketID == "" && msg.From != "" {
		s.remoteSocketID = msg.From
	}
	s.toConnectingLocked()
	gen := s.generation
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = s.dial(gen)
		if err != nil {
			s.failNegotiation(gen, err)
			return
		}
		if conn == nil {
			return
		}
	}

	answer, err := conn.Answer(msg.Offer)
	if err != nil {
		s.failNegotiation(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	roomID, to := s.roomID, s.remoteSocketID
	s.mu.Unlock()

	if err := s.signal.SendAnswer(roomID, to, answer); err != nil {
		s.failNegotiation(gen, fmt.Errorf("failed to send answer: %w", err))
	}
}

func (s *Session) OnAnswer(msg signaling.Answer) {
	s.mu.Lock()
	if s.status == StatusIdle || s.conn == nil {
		s.mu.Unlock()
		return
	}
	gen := s.generation
	conn := s.conn
	s.mu.Unlock()

	if err := conn.ApplyRemoteDescription(msg.Answer); err != nil {
		s.failNegotiation(gen, err)
	}
}

// OnICECandidate buffers or applies a trickled candidate. Candidates that
// arrive before the wrapper exists are held at session level and drained
// into the wrapper on creation, so none is dropped.
func (s *Session) OnICECandidate(msg signaling.ICECandidate) {
	s.mu.Lock()
	if s.status == StatusIdle {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	if conn == nil {
		s.pendingCandidates = append(s.pendingCandidates, msg.Candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := conn.AddRemoteCandidate(msg.Candidate); err != nil {
		s.logger.Warn("failed to apply remote candidate", zap.Error(err))
	}
}

// OnUserLeft returns the session to waiting: the room stays open for the
// participant to come back, only the peer connection is torn down. The
// generation bump invalidates every continuation still bound to it.
func (s *Session) OnUserLeft(msg signaling.UserLeft) {
	s.mu.Lock()
	if s.status == StatusIdle {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.generation++
	s.remoteSocketID = ""
	s.remotePeerID = ""
	s.remoteName = ""
	s.remoteStreamReady = false
	s.pendingCandidates = nil
	if s.status == StatusConnecting || s.status == StatusConnected {
		s.status = StatusWaiting
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	name := msg.Name
	if name == "" {
		name = "the other participant"
	}
	if msg.IsDisconnect {
		s.sink.Push(notify.Notice{Level: notify.LevelWarn, Message: name + " lost connection"})
	} else {
		s.sink.Push(notify.Notice{Level: notify.LevelInfo, Message: name + " left the consultation"})
	}
}

// toConnectingLocked performs the waiting → connecting transition exactly
// once: it starts the duration timer and fires the call-started notice.
// Callers hold s.mu.
func (s *Session) toConnectingLocked() {
	if s.status != StatusWaiting {
		return
	}
	s.status = StatusConnecting
	if s.timerStop == nil {
		s.timerStop = make(chan struct{})
		go s.runTimer(s.timerStop)
	}
	s.sink.Push(notify.Notice{Level: notify.LevelInfo, Message: "consultation call starting"})
}

// dial creates the peer connection for the current attempt and installs it,
// draining any session-buffered candidates. Returns (nil, nil) when the
// attempt went stale while dialing.
func (s *Session) dial(gen uint64) (PeerLink, error) {
	s.mu.Lock()
	if gen != s.generation || s.stream == nil {
		s.mu.Unlock()
		return nil, nil
	}
	stream := s.stream
	remote, roomID := s.remoteSocketID, s.roomID
	s.mu.Unlock()

	ev := rtc.PeerEvents{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) { s.onLocalCandidate(gen, c) },
		OnRemoteTrack:    func(kind string) { s.onRemoteTrack(gen) },
		OnStateChange:    func(st webrtc.PeerConnectionState) { s.onPeerState(gen, st) },
	}

	conn, err := s.dialer.Dial(remote, roomID, stream, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		conn.Close()
		return nil, nil
	}
	s.conn = conn
	buffered := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, c := range buffered {
		if err := conn.AddRemoteCandidate(c); err != nil {
			s.logger.Warn("failed to apply buffered candidate", zap.Error(err))
		}
	}
	return conn, nil
}

func (s *Session) sendOffer(gen uint64, conn PeerLink) {
	offer, err := conn.Offer()
	if err != nil {
		s.failNegotiation(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	roomID, to := s.roomID, s.remoteSocketID
	s.mu.Unlock()

	if err := s.signal.SendOffer(roomID, to, offer); err != nil {
		s.failNegotiation(gen, fmt.Errorf("failed to send offer: %w", err))
	}
}

func (s *Session) onLocalCandidate(gen uint64, candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	if gen != s.generation || s.remoteSocketID == "" {
		s.mu.Unlock()
		return
	}
	roomID, to := s.roomID, s.remoteSocketID
	s.mu.Unlock()

	if err := s.signal.SendCandidate(roomID, to, candidate); err != nil {
		s.logger.Warn("failed to forward local candidate", zap.Error(err))
	}
}

// onRemoteTrack drives connecting → connected on the first arriving track.
func (s *Session) onRemoteTrack(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.remoteStreamReady = true
	if s.status != StatusConnecting {
		s.mu.Unlock()
		return
	}
	s.status = StatusConnected
	s.mu.Unlock()

	s.sink.Push(notify.Notice{Level: notify.LevelInfo, Message: "consultation call connected"})
}

// onPeerState surfaces terminal native states. Disconnected is logged only:
// browsers and ICE agents routinely recover disconnected → connected.
func (s *Session) onPeerState(gen uint64, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		s.logger.Warn("peer connection disconnected, may recover on its own")
	case webrtc.PeerConnectionStateFailed:
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		s.conn = nil
		s.generation++
		s.remoteStreamReady = false
		if s.status == StatusConnecting || s.status == StatusConnected {
			s.status = StatusWaiting
		}
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		s.logger.Error("peer connection failed", zap.Error(ErrConnectionFailed))
		s.sink.Push(notify.Notice{Level: notify.LevelError, Message: "connection failed, please rejoin the consultation"})
	}
}

// failNegotiation converts an offer/answer/ICE failure into a user notice
// and returns the session to waiting, never leaving it stuck in connecting.
func (s *Session) failNegotiation(gen uint64, err error) {
	s.logger.Error("negotiation failed", zap.Error(err))

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.generation++
	s.remoteStreamReady = false
	if s.status == StatusConnecting || s.status == StatusConnected {
		s.status = StatusWaiting
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.sink.Push(notify.Notice{Level: notify.LevelError, Message: "connection failed"})
}
