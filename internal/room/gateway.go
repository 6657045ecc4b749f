// Package room is the thin client for the external room-lifecycle REST
// service. It holds no state beyond the base URL; room truth always lives on
// the server and status is fetched immediately before any join attempt.
package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrRoomInvalid means the room does not exist, is completed, or does not
// permit this peer. Terminal for a join attempt: no media is acquired and no
// signaling is emitted.
var ErrRoomInvalid = errors.New("room invalid")

// Status is the read-through cache of a room's joinability, valid only for
// the join attempt it was fetched for.
type Status struct {
	Exists      bool `json:"exists"`
	IsCompleted bool `json:"isCompleted"`
	CanJoin     bool `json:"canJoin"`
	CanRejoin   bool `json:"canRejoin"`
}

type Gateway struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewGateway(baseURL string, logger *zap.Logger) *Gateway {
	return &Gateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.Named("room-gateway"),
	}
}

// GetStatus must be called and awaited before any media acquisition or
// signaling for the room.
func (g *Gateway) GetStatus(ctx context.Context, roomID string) (Status, error) {
	var status Status
	err := g.do(ctx, http.MethodGet, fmt.Sprintf("/api/rooms/%s/status", roomID), nil, &status)
	if err != nil {
		return Status{}, fmt.Errorf("failed to fetch room status: %w", err)
	}
	return status, nil
}

type joinRequest struct {
	PeerID   string `json:"peerId"`
	SocketID string `json:"socketId"`
}

func (g *Gateway) Join(ctx context.Context, roomID, peerID, socketID string) error {
	err := g.do(ctx, http.MethodPatch, fmt.Sprintf("/api/rooms/%s/join", roomID),
		joinRequest{PeerID: peerID, SocketID: socketID}, nil)
	if err != nil {
		return fmt.Errorf("join rejected: %w", err)
	}
	return nil
}

func (g *Gateway) Rejoin(ctx context.Context, roomID, peerID, socketID string) error {
	err := g.do(ctx, http.MethodPatch, fmt.Sprintf("/api/rooms/%s/rejoin", roomID),
		joinRequest{PeerID: peerID, SocketID: socketID}, nil)
	if err != nil {
		return fmt.Errorf("rejoin rejected: %w", err)
	}
	return nil
}

type leaveRequest struct {
	Duration int `json:"duration"`
}

type leaveResponse struct {
	ConsultationEnded bool `json:"consultationEnded"`
}

// Leave reports the elapsed call duration and returns whether the
// consultation is now over.
func (g *Gateway) Leave(ctx context.Context, roomID string, durationSeconds int) (bool, error) {
	var resp leaveResponse
	err := g.do(ctx, http.MethodPatch, fmt.Sprintf("/api/rooms/%s/leave", roomID),
		leaveRequest{Duration: durationSeconds}, &resp)
	if err != nil {
		return false, fmt.Errorf("leave failed: %w", err)
	}
	return resp.ConsultationEnded, nil
}

func (g *Gateway) DisconnectedUser(ctx context.Context, socketID string) error {
	return g.do(ctx, http.MethodPatch, "/api/rooms/disconnected-user",
		map[string]string{"socketId": socketID}, nil)
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

func (g *Gateway) CreateRoom(ctx context.Context, appointmentID string) (string, error) {
	var resp createRoomResponse
	err := g.do(ctx, http.MethodPost, "/api/rooms",
		map[string]string{"appointmentId": appointmentID}, &resp)
	if err != nil {
		return "", fmt.Errorf("create room failed: %w", err)
	}
	return resp.RoomID, nil
}

func (g *Gateway) DeleteRoom(ctx context.Context, roomID string) error {
	return g.do(ctx, http.MethodDelete, fmt.Sprintf("/api/rooms/%s", roomID), nil, nil)
}

// do runs one JSON round-trip, retrying transport errors and 5xx responses
// with exponential backoff. 4xx responses are permanent.
func (g *Gateway) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			g.logger.Warn("room service request failed, retrying",
				zap.String("method", method), zap.String("path", path), zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			g.logger.Warn("room service returned server error, retrying",
				zap.String("path", path), zap.Int("status", resp.StatusCode))
			return fmt.Errorf("room service returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("%w: room service returned %d", ErrRoomInvalid, resp.StatusCode))
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}
