package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/teleconsult/internal/config"
	"github.com/carelink/teleconsult/internal/history"
	"github.com/carelink/teleconsult/internal/media"
	"github.com/carelink/teleconsult/internal/notify"
	"github.com/carelink/teleconsult/internal/room"
	"github.com/carelink/teleconsult/internal/rtc"
	"github.com/carelink/teleconsult/internal/session"
	"github.com/carelink/teleconsult/internal/signaling"
	"github.com/carelink/teleconsult/internal/stunserver"
)

// Application holds all components of the consultation client.
type Application struct {
	config  *config.Config
	logger  *zap.Logger
	client  *signaling.Client
	session *session.Session
	journal *history.Store
	stun    *stunserver.Server
}

func main() {
	cfg := config.NewDefaultConfig()

	var roomID string
	var devLog bool
	flag.StringVar(&cfg.SignalingURL, "signaling-url", cfg.SignalingURL, "websocket endpoint of the signaling server")
	flag.StringVar(&cfg.RoomServiceURL, "room-service-url", cfg.RoomServiceURL, "base URL of the room REST API")
	flag.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "durable peer identity (generated when empty)")
	flag.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name shown to the other participant")
	flag.StringVar(&cfg.Role, "role", cfg.Role, "participant role: doctor or patient")
	flag.IntVar(&cfg.ScheduledDurationMinutes, "scheduled-minutes", cfg.ScheduledDurationMinutes, "scheduled consultation length; 0 disables the overrun notice")
	flag.StringVar(&cfg.DatabaseDSN, "db", cfg.DatabaseDSN, "postgres DSN for the consultation journal (optional)")
	flag.IntVar(&cfg.EmbeddedSTUNPort, "stun-port", cfg.EmbeddedSTUNPort, "run an embedded STUN server on this UDP port (0 disables)")
	flag.StringVar(&roomID, "room", "", "consultation room to join on startup")
	flag.BoolVar(&devLog, "dev-log", false, "human-readable console logging")
	flag.Parse()

	cfg.FromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(devLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(ctx, cancel, roomID); err != nil {
		logger.Fatal("error during consultation", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}

	if cfg.EmbeddedSTUNPort > 0 {
		app.stun = stunserver.New(ctx, cfg.EmbeddedSTUNPort, logger)
		if err := app.stun.Start(); err != nil {
			return nil, fmt.Errorf("failed to start embedded STUN server: %w", err)
		}
		cfg.STUNServers = append(cfg.STUNServers, app.stun.URL())
	}

	gateway := room.NewGateway(cfg.RoomServiceURL, logger)

	if cfg.DatabaseDSN != "" {
		journal, err := history.Open(cfg.DatabaseDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open consultation journal: %w", err)
		}
		app.journal = journal
	}

	mediaManager, err := media.NewManager(media.Config{
		Width:        cfg.VideoConfig.Width,
		Height:       cfg.VideoConfig.Height,
		Framerate:    cfg.VideoConfig.Framerate,
		VideoBitRate: cfg.VideoConfig.BitRate,
		AudioBitRate: 48_000,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create media manager: %w", err)
	}

	engine, err := mediaManager.NewMediaEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to build media engine: %w", err)
	}

	controller, err := rtc.NewController(cfg.STUNServers, engine, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer controller: %w", err)
	}

	go rtc.ProbeSTUN(cfg.STUNServers, logger)

	relay := &handlerRelay{}
	app.client = signaling.NewClient(cfg.SignalingURL, signaling.Register{
		UserID: cfg.PeerID,
		Name:   cfg.DisplayName,
		Role:   cfg.Role,
		PeerID: cfg.PeerID,
	}, relay, logger)

	var journal session.Journal
	if app.journal != nil {
		journal = app.journal
	}

	app.session = session.New(session.Config{
		PeerID:                   cfg.PeerID,
		DisplayName:              cfg.DisplayName,
		Role:                     cfg.Role,
		ScheduledDurationMinutes: cfg.ScheduledDurationMinutes,
	},
		app.client,
		mediaSource{mgr: mediaManager},
		gateway,
		peerDialer{ctrl: controller},
		journal,
		notify.NewLogSink(logger),
		logger,
	)
	relay.session = app.session

	return app, nil
}

func (app *Application) Run(ctx context.Context, cancel context.CancelFunc, roomID string) error {
	if err := app.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start signaling: %w", err)
	}

	regCtx, regCancel := context.WithTimeout(ctx, app.config.RequestTimeout)
	defer regCancel()
	if err := app.session.WaitRegistered(regCtx); err != nil {
		return fmt.Errorf("signaling server never acknowledged registration: %w", err)
	}
	app.logger.Info("registered with signaling server",
		zap.String("peer", app.session.PeerID()),
		zap.String("socket", app.session.SocketID()))

	if roomID != "" {
		if err := app.session.Join(ctx, roomID); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		app.logger.Info("shutting down", zap.String("signal", s.String()))
	case <-ctx.Done():
	}
	cancel()

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := app.session.Leave(leaveCtx); err != nil {
		app.logger.Warn("failed to leave cleanly", zap.Error(err))
	}
	return nil
}

func (app *Application) Cleanup() {
	if app.session != nil {
		app.session.Close()
	}
	if app.client != nil {
		app.client.Stop()
	}
	if app.journal != nil {
		app.journal.Close()
	}
	if app.stun != nil {
		if err := app.stun.Stop(); err != nil {
			app.logger.Warn("failed to stop embedded STUN server", zap.Error(err))
		}
	}
}

// handlerRelay lets the signaling client and the session reference each
// other: the client is built first with the relay, the session second with
// the client, then the relay is pointed at the session before Start.
type handlerRelay struct {
	session *session.Session
}

func (r *handlerRelay) OnRegistered(msg signaling.Registered) { r.session.OnRegistered(msg) }

func (r *handlerRelay) OnRoomUsers(msg signaling.RoomUsersUpdated) { r.session.OnRoomUsers(msg) }

func (r *handlerRelay) OnOffer(msg signaling.Offer) { r.session.OnOffer(msg) }

func (r *handlerRelay) OnAnswer(msg signaling.Answer) { r.session.OnAnswer(msg) }

func (r *handlerRelay) OnICECandidate(msg signaling.ICECandidate) { r.session.OnICECandidate(msg) }

func (r *handlerRelay) OnUserLeft(msg signaling.UserLeft) { r.session.OnUserLeft(msg) }

// mediaSource adapts the media manager to the session's acquisition port.
// The error path returns an explicit nil interface.
type mediaSource struct {
	mgr *media.Manager
}

func (s mediaSource) Acquire() (session.MediaStream, error) {
	stream, err := s.mgr.Acquire()
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// peerDialer adapts the rtc controller to the session's dialing port.
type peerDialer struct {
	ctrl *rtc.Controller
}

func (d peerDialer) Dial(remote, roomID string, stream session.MediaStream, ev rtc.PeerEvents) (session.PeerLink, error) {
	local, ok := stream.(rtc.LocalMedia)
	if !ok {
		return nil, fmt.Errorf("media stream does not expose local tracks")
	}
	return d.ctrl.Dial(remote, roomID, local, ev)
}
