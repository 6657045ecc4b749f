// Package rtc owns the peer connection for one call attempt: creation, local
// track attachment, ICE candidate buffering and teardown. All negotiation
// decisions (who offers, when to rejoin) live in the session layer.
package rtc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNURLs are the public resolvers used when no ICE configuration is
// supplied. There is deliberately no TURN relay fallback; deployments behind
// symmetric NAT run the embedded STUN server on a trusted network instead.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// LocalMedia is the slice of the acquired capture stream the controller needs
// to attach tracks and honor mute state.
type LocalMedia interface {
	VideoTracks() []mediadevices.Track
	AudioTracks() []mediadevices.Track
	Enabled(kind string) bool
}

// PeerEvents are the three callbacks a call session registers on every peer
// connection it creates.
type PeerEvents struct {
	// OnLocalCandidate forwards a gathered candidate to the remote peer.
	OnLocalCandidate func(candidate webrtc.ICECandidateInit)
	// OnRemoteTrack fires when a remote media track arrives.
	OnRemoteTrack func(kind string)
	// OnStateChange reports native connection state transitions.
	OnStateChange func(state webrtc.PeerConnectionState)
}

// Controller creates peer connections with a fixed ICE configuration and a
// shared media engine. At most one connection is live per call session; the
// session closes the previous one before asking for another.
type Controller struct {
	api      *webrtc.API
	pcConfig webrtc.Configuration
	logger   *zap.Logger
}

func NewController(stunURLs []string, engine *webrtc.MediaEngine, logger *zap.Logger) (*Controller, error) {
	if len(stunURLs) == 0 {
		stunURLs = DefaultSTUNURLs
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		30*time.Second, // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &Controller{
		api: api,
		pcConfig: webrtc.Configuration{
			ICEServers:         []webrtc.ICEServer{{URLs: stunURLs}},
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		logger: logger.Named("rtc"),
	}, nil
}

// Dial creates the peer connection for one call attempt, attaches every local
// capture track and registers the session's callbacks. The returned wrapper
// is exclusively owned by the calling session.
func (c *Controller) Dial(remoteSocketID, roomID string, media LocalMedia, ev PeerEvents) (*PeerConn, error) {
	pc, err := c.api.NewPeerConnection(c.pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PeerConn{
		pc:             pc,
		logger:         c.logger.With(zap.String("room", roomID), zap.String("remote", remoteSocketID)),
		remoteSocketID: remoteSocketID,
		roomID:         roomID,
		ctx:            ctx,
		cancel:         cancel,
		setRemote:      pc.SetRemoteDescription,
		addCandidate:   pc.AddICECandidate,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering finished; nothing to forward.
			return
		}
		if ev.OnLocalCandidate != nil {
			ev.OnLocalCandidate(candidate.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info("remote track arrived",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		if ev.OnRemoteTrack != nil {
			ev.OnRemoteTrack(track.Kind().String())
		}
		go p.drainRemoteTrack(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("peer connection state changed", zap.String("state", state.String()))
		if ev.OnStateChange != nil {
			ev.OnStateChange(state)
		}
	})

	if err := p.attachLocalTracks(media); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}
