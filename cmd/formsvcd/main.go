package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/formlink/internal/config"
	"github.com/danmuck/formlink/internal/formsvc"
	"github.com/danmuck/formlink/internal/logging"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "cmd/formsvcd/config.toml", "formsvcd config path")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*configPath); err != nil {
		log.Error().Err(err).Msg("formsvcd failed")
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.LoadServiceConfig(path)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := formsvc.NewServer(formsvc.ServerConfig{
		ListenAddr: cfg.Addr,
		Session:    cfg.Transport.SessionConfig(),
	}, formsvc.NewStore())
	ln, err := srv.Listen()
	if err != nil {
		return err
	}
	admin := formsvc.NewAdmin(formsvc.AdminConfig{
		ID:          cfg.Name,
		CorsOrigins: cfg.CorsOrigins,
		Token:       cfg.AdminToken,
	}, srv)
	log.Info().Str("name", cfg.Name).Str("service_id", cfg.ServiceID).Str("addr", ln.Addr().String()).Str("admin_addr", cfg.AdminAddr).Msg("formsvcd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	g.Go(func() error { return admin.Serve(gctx, cfg.AdminAddr) })
	err = g.Wait()
	stop()
	if closeErr := srv.Close(); err == nil {
		err = closeErr
	}
	log.Info().Str("name", cfg.Name).Msg("formsvcd stopped")
	return err
}
