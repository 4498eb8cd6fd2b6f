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
	"github.com/danmuck/ikrelay/internal/logging"
	"github.com/danmuck/ikrelay/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var path string
	flag.StringVar(&path, "config", "", "path to a relay config toml file")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg := defaultRelayConfig()
	if path != "" {
		loaded, err := loadRelayConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ikrelayd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "ikrelayd: %v\n", err)
		os.Exit(1)
	}
}

// run serves the hub and the admin router until SIGINT or SIGTERM.
func run(cfg relayConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logging.For("ikrelayd")

	tlsCfg, err := cfg.Security.ServerTLS()
	if err != nil {
		return fmt.Errorf("relay tls: %w", err)
	}
	hub := transport.NewHub(cfg.Hub)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	relay := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
	}
	servers := []*http.Server{relay}

	if cfg.AdminAddr != "" {
		adm := admin.New(cfg.ID, cfg.CORSOrigins)
		adm.Registry.Register(admin.HubComponent{Hub: hub})
		adm.Ready = func() bool { return ctx.Err() == nil }
		adm.RegisterRoutes()
		servers = append(servers, adm.HTTPServer(cfg.AdminAddr))
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info().Str("addr", srv.Addr).Bool("tls", srv.TLSConfig != nil).Msg("ikrelayd.run listening")
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("ikrelayd.run shutting down")
	case runErr = <-errs:
		log.Error().Err(runErr).Msg("ikrelayd.run server failed")
	}

	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("addr", srv.Addr).Msg("ikrelayd.run shutdown")
		}
	}
	return runErr
}
