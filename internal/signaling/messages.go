package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Event names carried in the envelope. These are the wire contract with the
// signaling server and must not be renamed.
const (
	EventRegister         = "register"
	EventRegistered       = "registered"
	EventJoinRoom         = "join-room"
	EventRoomUsersUpdated = "room-users-updated"
	EventOffer            = "offer"
	EventAnswer           = "answer"
	EventICECandidate     = "ice-candidate"
	EventUserLeft         = "user-left"
	EventMediaChange      = "media-change"
	EventEndCall          = "end-call"
	EventLeaveRoom        = "leave-room"
)

// Envelope frames every message on the signaling channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Register announces this client's durable identity after connect.
type Register struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	PeerID string `json:"peerId"`
}

// Registered is the server's acknowledgment carrying the transport-scoped
// socket ID. The socket ID changes on every reconnect; only the peer ID is a
// durable key.
type Registered struct {
	PeerID   string `json:"peerId"`
	SocketID string `json:"socketId"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// Participant is one entry in the server-ordered room roster.
type Participant struct {
	SocketID string `json:"socketId"`
	PeerID   string `json:"peerId,omitempty"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
}

// RoomUsersUpdated is the authoritative roster for a room. Participant order
// is server-assigned and is the sole tie-break source for offerer selection.
type RoomUsersUpdated struct {
	RoomID            string        `json:"roomId"`
	Participants      []Participant `json:"participants"`
	ParticipantsCount int           `json:"participantsCount"`
}

type Offer struct {
	RoomID string                    `json:"roomId"`
	To     string                    `json:"to,omitempty"`
	From   string                    `json:"from,omitempty"`
	Offer  webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	RoomID string                    `json:"roomId,omitempty"`
	To     string                    `json:"to,omitempty"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type ICECandidate struct {
	RoomID    string                  `json:"roomId,omitempty"`
	To        string                  `json:"to,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type UserLeft struct {
	Name         string `json:"name"`
	IsDisconnect bool   `json:"isDisconnect"`
}

// MediaChange tells the remote peer a local track was muted or unmuted.
// It never triggers renegotiation.
type MediaChange struct {
	To      string `json:"to"`
	Type    string `json:"type"` // "audio" or "video"
	Enabled bool   `json:"enabled"`
}

type EndCall struct {
	To        string `json:"to"`
	SessionID string `json:"sessionId"`
}
