package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pion/webrtc/v4"
)

// ErrNegotiation marks any failure during the offer/answer/ICE exchange.
// Callers surface it as a generic connection notice and return the session
// to waiting rather than crashing.
var ErrNegotiation = errors.New("negotiation failed")

// PeerConn wraps one native peer connection together with the candidates
// that arrived before the remote description. Its lifetime is bounded by one
// call attempt; a new attempt always closes the previous instance first.
type PeerConn struct {
	mu             sync.Mutex
	pc             *webrtc.PeerConnection
	logger         *zap.Logger
	remoteSocketID string
	roomID         string
	pending        []webrtc.ICECandidateInit
	remoteSet      bool
	closed         bool
	ctx            context.Context
	cancel         context.CancelFunc

	// Indirections over the native connection so the buffering logic is
	// exercisable without real ICE agents.
	setRemote    func(webrtc.SessionDescription) error
	addCandidate func(webrtc.ICECandidateInit) error
}

func (p *PeerConn) RemoteSocketID() string { return p.remoteSocketID }
func (p *PeerConn) RoomID() string         { return p.roomID }

// Offer creates the local offer and applies it as the local description.
func (p *PeerConn) Offer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local description: %v", ErrNegotiation, err)
	}
	return *p.pc.LocalDescription(), nil
}

// Answer applies the remote offer, flushes buffered candidates and produces
// the local answer.
func (p *PeerConn) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.ApplyRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local description: %v", ErrNegotiation, err)
	}
	return *p.pc.LocalDescription(), nil
}

// ApplyRemoteDescription sets the remote description, then applies every
// buffered candidate in arrival order and clears the buffer.
func (p *PeerConn) ApplyRemoteDescription(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.setRemote(sdp); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrNegotiation, err)
	}
	p.remoteSet = true

	for _, candidate := range p.pending {
		if err := p.addCandidate(candidate); err != nil {
			p.pending = nil
			return fmt.Errorf("%w: flush buffered candidate: %v", ErrNegotiation, err)
		}
	}
	if len(p.pending) > 0 {
		p.logger.Debug("flushed buffered ICE candidates", zap.Int("count", len(p.pending)))
	}
	p.pending = nil
	return nil
}

// AddRemoteCandidate applies the candidate immediately when the remote
// description is already set, otherwise buffers it. No candidate is dropped.
func (p *PeerConn) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		return nil
	}
	if err := p.addCandidate(candidate); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err)
	}
	return nil
}

// PendingCandidates reports how many candidates are buffered waiting for the
// remote description.
func (p *PeerConn) PendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// State returns the native connection state.
func (p *PeerConn) State() webrtc.PeerConnectionState {
	if p.pc == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return p.pc.ConnectionState()
}

// Close tears down the native connection and stops every pump. Safe to call
// multiple times.
func (p *PeerConn) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if p.pc != nil {
		if err := p.pc.Close(); err != nil {
			return fmt.Errorf("failed to close peer connection: %w", err)
		}
	}
	return nil
}
