package session

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/carelink/teleconsult/internal/history"
	"github.com/carelink/teleconsult/internal/room"
	"github.com/carelink/teleconsult/internal/rtc"
)

// Signaler is the outbound half of the signaling channel.
// *signaling.Client satisfies it.
type Signaler interface {
	JoinRoom(roomID string) error
	LeaveRoom(roomID string) error
	SendOffer(roomID, to string, sdp webrtc.SessionDescription) error
	SendAnswer(roomID, to string, sdp webrtc.SessionDescription) error
	SendCandidate(roomID, to string, candidate webrtc.ICECandidateInit) error
	SendMediaChange(to, kind string, enabled bool) error
	SendEndCall(to, sessionID string) error
}

// MediaStream is the session's view of the acquired camera+microphone
// stream. The session owns it exclusively and releases it on every terminal
// transition.
type MediaStream interface {
	SetEnabled(kind string, enabled bool)
	ActiveTracks() int
	Release()
}

// MediaSource acquires the local stream. *media.Manager is adapted to it.
type MediaSource interface {
	Acquire() (MediaStream, error)
}

// PeerLink is one live peer connection. *rtc.PeerConn satisfies it.
type PeerLink interface {
	Offer() (webrtc.SessionDescription, error)
	Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyRemoteDescription(sdp webrtc.SessionDescription) error
	AddRemoteCandidate(candidate webrtc.ICECandidateInit) error
	State() webrtc.PeerConnectionState
	Close() error
}

// PeerDialer creates one peer connection per call attempt.
type PeerDialer interface {
	Dial(remoteSocketID, roomID string, stream MediaStream, ev rtc.PeerEvents) (PeerLink, error)
}

// RoomService is the room-lifecycle collaborator boundary.
// *room.Gateway satisfies it.
type RoomService interface {
	GetStatus(ctx context.Context, roomID string) (room.Status, error)
	Join(ctx context.Context, roomID, peerID, socketID string) error
	Rejoin(ctx context.Context, roomID, peerID, socketID string) error
	Leave(ctx context.Context, roomID string, durationSeconds int) (bool, error)
}

// Journal records finished calls. Optional; *history.Store satisfies it.
type Journal interface {
	Record(ctx context.Context, rec history.CallRecord) error
}
