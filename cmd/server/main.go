package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"device-auth-service/internal/config"
	"device-auth-service/internal/factory"
	"device-auth-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Loads config, initializes logging and every enabled backend
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := f.Router()

	servers, err := buildServers(f, cfg, router)
	if err != nil {
		util.Fatal("Failed to configure servers", util.ErrorField(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, servers); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}

type server struct {
	srv *http.Server
	tls bool
}

// buildServers returns the API server and, with autocert in production, the
// port 80 server that answers ACME challenges and redirects to HTTPS.
func buildServers(f *factory.Factory, cfg *config.Config, router http.Handler) ([]server, error) {
	api := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		return []server{{srv: api}}, nil
	}

	tlsManager := f.TLSManager()
	api.TLSConfig = tlsManager.GetTLSConfig()
	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	servers := []server{{srv: api, tls: true}}

	if cfg.IsProduction() && cfg.Server.AutoCert {
		autoCertManager := tlsManager.GetAutocertManager()
		if autoCertManager == nil {
			return nil, errors.New("AutoCert manager is not available in production")
		}
		api.Addr = ":443"
		servers = append(servers, server{srv: &http.Server{
			Addr:              ":80",
			Handler:           autoCertManager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}})
	}

	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.String("address", api.Addr),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)
	return servers, nil
}

// run serves until ctx is canceled or a server fails, then shuts every server down.
func run(ctx context.Context, servers []server) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		s := s
		g.Go(func() error {
			util.Info("Server listening", util.String("address", s.srv.Addr), util.Bool("tls", s.tls))
			var err error
			if s.tls {
				// certificates come from TLSConfig.GetCertificate
				err = s.srv.ListenAndServeTLS("", "")
			} else {
				err = s.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", s.srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, s := range servers {
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.String("address", s.srv.Addr), util.ErrorField(err))
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
