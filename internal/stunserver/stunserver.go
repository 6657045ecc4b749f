// Package stunserver runs an in-process STUN server for deployments where
// the hospital network blocks the public STUN pool. It answers binding
// requests only; no relaying is configured.
package stunserver

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Server wraps a pion/turn server configured as plain STUN.
type Server struct {
	logger *zap.Logger

	realm     string
	port      int
	listeners int

	mu        sync.RWMutex
	srv       *turn.Server
	running   bool
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Stats reports the server's health for the diagnostics surface.
type Stats struct {
	Uptime       time.Duration
	CurrentState string
}

func New(ctx context.Context, port int, logger *zap.Logger) *Server {
	sctx, cancel := context.WithCancel(ctx)
	return &Server{
		logger:    logger.Named("stun"),
		realm:     "teleconsult",
		port:      port,
		listeners: 2,
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// URL returns the stun: URL peers should be pointed at.
func (s *Server) URL() string {
	return fmt.Sprintf("stun:127.0.0.1:%d", s.port)
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("STUN server is already running")
	}

	if err := s.listen(s.ctx); err != nil {
		return fmt.Errorf("failed to initialize STUN server: %w", err)
	}

	s.startTime = time.Now()
	go func() {
		defer close(s.done)
		s.serve()
	}()

	s.running = true
	s.logger.Info("STUN server started", zap.Int("port", s.port))
	return nil
}

// listen creates the UDP listeners. They share the same local address:port
// via SO_REUSEPORT so the kernel load-balances packets per the IP 5-tuple.
func (s *Server) listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("0.0.0.0:%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to parse listen address: %w", err)
	}

	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}

	packetConnConfigs := make([]turn.PacketConnConfig, s.listeners)
	for i := 0; i < s.listeners; i++ {
		conn, listErr := listenerConfig.ListenPacket(ctx, addr.Network(), addr.String())
		if listErr != nil {
			return fmt.Errorf("failed to allocate UDP listener %d at %s: %w", i, addr, listErr)
		}
		packetConnConfigs[i] = turn.PacketConnConfig{PacketConn: conn}
		s.logger.Info("listener ready", zap.Int("index", i), zap.String("addr", conn.LocalAddr().String()))
	}

	// No AuthHandler credentials are registered, so allocation requests are
	// refused and only binding requests succeed.
	srv, err := turn.NewServer(turn.ServerConfig{
		Realm: s.realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			return nil, false
		},
		PacketConnConfigs: packetConnConfigs,
	})
	if err != nil {
		return fmt.Errorf("failed to create STUN server: %w", err)
	}

	s.srv = srv
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("stopping STUN server")
	s.cancel()

	if s.srv != nil {
		if err := s.srv.Close(); err != nil {
			return fmt.Errorf("failed to close STUN server: %w", err)
		}
	}
	s.running = false

	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout waiting for STUN server to stop")
	}
	return nil
}

func (s *Server) serve() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in STUN server", zap.Any("panic", r))
			debug.PrintStack()
		}
	}()

	healthCheck := time.NewTicker(30 * time.Second)
	defer healthCheck.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("STUN server context cancelled, shutting down")
			return
		case <-healthCheck.C:
			if !s.IsRunning() {
				continue
			}
			stats := s.GetStats()
			if stats.CurrentState == "degraded" {
				s.logger.Warn("STUN server degraded", zap.Duration("uptime", stats.Uptime))
				continue
			}
			s.logger.Debug("STUN server healthy",
				zap.String("state", stats.CurrentState),
				zap.Duration("uptime", stats.Uptime))
		}
	}
}

// checkPort verifies the UDP port can still be bound alongside the
// SO_REUSEPORT listeners.
func (s *Server) checkPort() error {
	lc := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}
	conn, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("UDP port %d is not available: %w", s.port, err)
	}
	conn.Close()
	return nil
}

func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.srv == nil {
		return "uninitialized"
	}
	if !s.running {
		return "stopped"
	}
	if err := s.checkPort(); err != nil {
		return "degraded"
	}
	return "serving"
}

func (s *Server) GetStats() Stats {
	return Stats{
		Uptime:       time.Since(s.startTime),
		CurrentState: s.State(),
	}
}
