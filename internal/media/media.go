package media

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter  - DON'T REMOVE
)

// Track kinds, matching the media-change wire values.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

var (
	// ErrAccessDenied means the camera or microphone exists but could not be
	// opened (permission refused, device busy, hardware fault).
	ErrAccessDenied = errors.New("media access denied")
	// ErrNoDevice means no capture device satisfied the constraints.
	ErrNoDevice = errors.New("no capture device available")
)

// Config holds local capture constraints.
type Config struct {
	CameraID     string
	MicrophoneID string
	Width        int
	Height       int
	Framerate    int
	VideoBitRate int
	AudioBitRate int
}

// Manager acquires the local camera+microphone stream. It owns the codec
// selector so the same codecs are registered with both the capture pipeline
// and the peer connection's media engine.
type Manager struct {
	cfg      Config
	logger   *zap.Logger
	selector *mediadevices.CodecSelector
}

func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms // 20 ms frame size for real-time communication

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("media"),
		selector: selector,
	}, nil
}

// NewMediaEngine returns a webrtc media engine with the default codecs plus
// this manager's encoder set registered.
func (m *Manager) NewMediaEngine() (*webrtc.MediaEngine, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	m.selector.Populate(engine)
	return engine, nil
}

// Acquire opens the camera and microphone. The returned stream must be
// released on every exit path of the call session.
func (m *Manager) Acquire() (*Stream, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if m.cfg.CameraID != "" {
				c.DeviceID = prop.String(m.cfg.CameraID)
			}
			c.Width = prop.Int(m.cfg.Width)
			c.Height = prop.Int(m.cfg.Height)
			c.FrameRate = prop.Float(float32(m.cfg.Framerate))
			c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if m.cfg.MicrophoneID != "" {
				c.DeviceID = prop.String(m.cfg.MicrophoneID)
			}
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: m.selector,
	})
	if err != nil {
		return nil, classifyAcquireError(err)
	}

	m.logger.Info("local media acquired",
		zap.Int("video_tracks", len(stream.GetVideoTracks())),
		zap.Int("audio_tracks", len(stream.GetAudioTracks())))

	s := &Stream{stream: stream}
	s.audioEnabled = true
	s.videoEnabled = true
	return s, nil
}

// classifyAcquireError maps driver failures onto the error taxonomy. The
// mediadevices drivers do not expose typed errors, so this matches on the
// messages they actually produce.
func classifyAcquireError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "failed to find the best driver"),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	default:
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
}

// Stream wraps the acquired capture stream. It is exclusively owned by one
// call session; no other component may hold a reference past Release.
type Stream struct {
	mu           sync.Mutex
	stream       mediadevices.MediaStream
	audioEnabled bool
	videoEnabled bool
	released     bool
}

// SetEnabled mutes or unmutes tracks of one kind in place. It never
// re-acquires devices and never triggers renegotiation; the RTP pump simply
// stops forwarding packets for a disabled kind.
func (s *Stream) SetEnabled(kind string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case KindAudio:
		s.audioEnabled = enabled
	case KindVideo:
		s.videoEnabled = enabled
	}
}

// Enabled reports whether tracks of the given kind are currently live.
func (s *Stream) Enabled(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case KindAudio:
		return s.audioEnabled
	case KindVideo:
		return s.videoEnabled
	}
	return false
}

// VideoTracks returns the capture tracks for attachment to a peer connection.
func (s *Stream) VideoTracks() []mediadevices.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	return s.stream.GetVideoTracks()
}

func (s *Stream) AudioTracks() []mediadevices.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	return s.stream.GetAudioTracks()
}

// ActiveTracks reports how many capture tracks are still open.
func (s *Stream) ActiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0
	}
	return len(s.stream.GetTracks())
}

// Release stops every track. Idempotent; every terminal transition of the
// call session routes through here.
func (s *Stream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	for _, track := range s.stream.GetTracks() {
		track.Close()
	}
	s.released = true
}
