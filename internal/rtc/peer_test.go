package rtc

import (
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/pion/webrtc/v4"
)

// newTestPeerConn builds a wrapper whose native-connection calls are recorded
// instead of hitting a real ICE agent.
func newTestPeerConn(applied *[]string) *PeerConn {
	return &PeerConn{
		logger:         zap.NewNop(),
		remoteSocketID: "sock-remote",
		roomID:         "R1",
		setRemote: func(webrtc.SessionDescription) error {
			return nil
		},
		addCandidate: func(c webrtc.ICECandidateInit) error {
			*applied = append(*applied, c.Candidate)
			return nil
		},
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	var applied []string
	p := newTestPeerConn(&applied)

	for i := 0; i < 3; i++ {
		if err := p.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("cand-%d", i)}); err != nil {
			t.Fatalf("AddRemoteCandidate failed: %v", err)
		}
	}

	if len(applied) != 0 {
		t.Fatalf("candidates applied before remote description: %v", applied)
	}
	if got := p.PendingCandidates(); got != 3 {
		t.Fatalf("expected 3 pending candidates, got %d", got)
	}

	if err := p.ApplyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer}); err != nil {
		t.Fatalf("ApplyRemoteDescription failed: %v", err)
	}

	if got := p.PendingCandidates(); got != 0 {
		t.Fatalf("expected empty buffer after flush, got %d", got)
	}
	want := []string{"cand-0", "cand-1", "cand-2"}
	if len(applied) != len(want) {
		t.Fatalf("expected %d applied candidates, got %d", len(want), len(applied))
	}
	for i, c := range want {
		if applied[i] != c {
			t.Errorf("candidate %d applied out of order: got %s, want %s", i, applied[i], c)
		}
	}
}

func TestCandidateAppliedImmediatelyAfterRemoteDescription(t *testing.T) {
	var applied []string
	p := newTestPeerConn(&applied)

	if err := p.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "early"}); err != nil {
		t.Fatalf("AddRemoteCandidate failed: %v", err)
	}
	if err := p.ApplyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer}); err != nil {
		t.Fatalf("ApplyRemoteDescription failed: %v", err)
	}
	if err := p.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "late"}); err != nil {
		t.Fatalf("AddRemoteCandidate failed: %v", err)
	}

	want := []string{"early", "late"}
	if len(applied) != len(want) {
		t.Fatalf("expected %d applied candidates, got %d", len(want), len(applied))
	}
	for i, c := range want {
		if applied[i] != c {
			t.Errorf("candidate %d: got %s, want %s", i, applied[i], c)
		}
	}
}

func TestNoCandidateLost(t *testing.T) {
	var applied []string
	p := newTestPeerConn(&applied)

	const early, late = 5, 4
	for i := 0; i < early; i++ {
		p.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("e%d", i)})
	}
	if err := p.ApplyRemoteDescription(webrtc.SessionDescription{}); err != nil {
		t.Fatalf("ApplyRemoteDescription failed: %v", err)
	}
	for i := 0; i < late; i++ {
		p.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("l%d", i)})
	}

	if len(applied) != early+late {
		t.Fatalf("count in (%d) != count applied (%d)", early+late, len(applied))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var applied []string
	p := newTestPeerConn(&applied)

	if err := p.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if got := p.State(); got != webrtc.PeerConnectionStateClosed {
		t.Fatalf("expected closed state, got %s", got)
	}
}
