// Package controlplane serves the local HTTP API of the regionsync daemon:
// status, region lookups, completion events from the game server, retry and
// clear. The matching Client is used by the CLI.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openmined/regionsync/internal/config"
)

type Server struct {
	cfg    config.ControlPlaneConfig
	server *http.Server
}

func New(cfg config.ControlPlaneConfig, svc Service) (*Server, error) {
	routes, err := SetupRoutes(svc, RouteConfig{Token: cfg.Token, RateLimit: cfg.RateLimit})
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           routes,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}, nil
}

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	url, _ := AddrToURL(ln.Addr().String())
	slog.Info("control plane start", "addr", url, "auth", s.cfg.Token != "")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}

// AddrToURL turns a listen address such as `:7939` into a base URL.
func AddrToURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if port == "" {
		return "", fmt.Errorf("missing port in %q", addr)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}
