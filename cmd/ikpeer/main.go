package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/ikrelay/internal/admin"
	"github.com/danmuck/ikrelay/internal/ikplayer"
	"github.com/danmuck/ikrelay/internal/logging"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/danmuck/ikrelay/internal/transport"
	"github.com/danmuck/ikrelay/internal/world"
)

func main() {
	var path string
	flag.StringVar(&path, "config", "", "path to a peer config toml file")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg := defaultPeerConfig()
	if path != "" {
		loaded, err := loadPeerConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ikpeer: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "ikpeer: %v\n", err)
		os.Exit(1)
	}
}

// run keeps the peer attached to the relay until a signal arrives,
// reconnecting whenever the link drops.
func run(cfg peerConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logging.For("ikpeer")

	w := world.NewMemory(cfg.AvatarHeight, 0)
	out := &relayLink{}
	opts := ikplayer.Options{
		Config: cfg.Session,
		World:  w,
		Sender: out,
		Host:   cfg.Host,
	}
	var drv *driver
	if cfg.Synthetic.Enabled {
		drv = newDriver(w, cfg.Synthetic)
		opts.Hooks = drv.hooks()
	}
	sess, err := ikplayer.NewSession(opts)
	if err != nil {
		return err
	}
	hello := session.Hello{PeerName: cfg.Name, JoinToken: cfg.JoinToken}
	rc := &reconnector{
		sess: sess,
		w:    w,
		out:  out,
		dial: func(ctx context.Context, b *session.Backoff) (*transport.Link, error) {
			return transport.DialRetry(ctx, cfg.RelayURL, hello, cfg.Session, b)
		},
		cfg: cfg.Session.WithDefaults().Backoff,
		log: log,
	}
	log.Info().
		Str("relay", cfg.RelayURL).
		Bool("host", cfg.Host).
		Bool("synthetic", cfg.Synthetic.Enabled).
		Msg("ikpeer.run starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 3)
	go func() { errs <- sess.Run(ctx) }()
	go func() { errs <- rc.run(ctx) }()
	if drv != nil {
		go drv.run(ctx, sess)
	}

	var adminSrv *http.Server
	if cfg.AdminAddr != "" {
		adm := admin.New(cfg.Name, cfg.CORSOrigins)
		adm.Registry.Register(admin.SessionComponent{Session: sess})
		adm.Ready = func() bool { return ctx.Err() == nil }
		adm.RegisterRoutes()
		adminSrv = adm.HTTPServer(cfg.AdminAddr)
		go func() {
			log.Info().Str("addr", adminSrv.Addr).Msg("ikpeer.run admin listening")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("admin: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("ikpeer.run shutting down")
	case runErr = <-errs:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Error().Err(runErr).Msg("ikpeer.run stopped")
		}
	}
	cancel()
	if adminSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = adminSrv.Shutdown(shutdownCtx)
	}
	return runErr
}
