package rtc

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const rtpMTU = 1200

// attachLocalTracks publishes the capture stream onto the peer connection:
// one outbound RTP track per kind, fed by a pump goroutine per capture track.
// A disabled kind keeps its pump running but drops packets, so mute/unmute
// never renegotiates.
func (p *PeerConn) attachLocalTracks(media LocalMedia) error {
	videoTrack, videoSender, err := p.addOutboundTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", "consult-video")
	if err != nil {
		return err
	}

	audioTrack, audioSender, err := p.addOutboundTrack(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    1,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "consult-audio")
	if err != nil {
		return err
	}

	p.startPumps(media.VideoTracks(), videoTrack, videoSender, media, "video")
	p.startPumps(media.AudioTracks(), audioTrack, audioSender, media, "audio")
	return nil
}

func (p *PeerConn) addOutboundTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*webrtc.TrackLocalStaticRTP, *webrtc.RTPSender, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s track: %w", id, err)
	}

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add %s track: %w", id, err)
	}

	// Keep the RTCP reader drained so interceptors run.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	return track, sender, nil
}

func (p *PeerConn) startPumps(tracks []mediadevices.Track, local *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender, media LocalMedia, kind string) {
	if len(tracks) == 0 {
		p.logger.Warn("no capture tracks to publish", zap.String("kind", kind))
		return
	}

	params := sender.GetParameters()
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		p.logger.Warn("no SSRC assigned, skipping pump", zap.String("kind", kind))
		return
	}
	ssrc := uint32(params.Encodings[0].SSRC)

	for _, track := range tracks {
		go p.pumpTrack(track, local, media, kind, ssrc)
	}
}

// pumpTrack reads encoded RTP from one capture track and forwards it to the
// outbound track until the wrapper is closed or the track ends.
func (p *PeerConn) pumpTrack(track mediadevices.Track, local *webrtc.TrackLocalStaticRTP, media LocalMedia, kind string, ssrc uint32) {
	reader, err := track.NewRTPReader(local.Codec().MimeType, ssrc, rtpMTU)
	if err != nil {
		p.logger.Error("failed to create RTP reader", zap.String("kind", kind), zap.Error(err))
		return
	}
	defer reader.Close()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		packets, _, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Info("capture track ended", zap.String("kind", kind))
				return
			}
			p.logger.Warn("error reading capture RTP", zap.String("kind", kind), zap.Error(err))
			continue
		}

		// Muted kinds keep reading so the encoder pipeline stays warm, but
		// nothing goes on the wire.
		if !media.Enabled(kind) {
			continue
		}

		if err := writePackets(local, packets); err != nil {
			if strings.Contains(err.Error(), "closed") {
				return
			}
			p.logger.Warn("error writing RTP", zap.String("kind", kind), zap.Error(err))
		}
	}
}

func writePackets(local *webrtc.TrackLocalStaticRTP, packets []*rtp.Packet) error {
	for _, packet := range packets {
		if err := local.WriteRTP(packet); err != nil {
			return err
		}
	}
	return nil
}

// drainRemoteTrack keeps reading the inbound track so RTCP feedback and
// interceptors stay active. Rendering is the embedding UI's concern.
func (p *PeerConn) drainRemoteTrack(track *webrtc.TrackRemote) {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if _, _, err := track.ReadRTP(); err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Info("remote track ended", zap.String("kind", track.Kind().String()))
				return
			}
			return
		}
	}
}
