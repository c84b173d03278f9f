package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/siasync/siasync/internal/client/handlers"
	"github.com/siasync/siasync/internal/client/middleware"
	"github.com/siasync/siasync/internal/utils"
)

// ControlPlaneServer serves the local read-only HTTP API over the sync manager.
type ControlPlaneServer struct {
	addr   string
	token  string
	server *http.Server
}

func NewControlPlaneServer(addr, token string, svc handlers.SyncService) (*ControlPlaneServer, error) {
	if _, err := addrToURL(addr); err != nil {
		return nil, err
	}

	routes := SetupRoutes(svc, &RouteConfig{
		Auth: middleware.TokenAuthConfig{
			Token: token,
		},
	})

	httpServer := &http.Server{
		Addr:    addr,
		Handler: routes,
		// Timeouts to prevent slow client attacks
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout, /v1/events holds the connection open
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	return &ControlPlaneServer{
		addr:   addr,
		token:  token,
		server: httpServer,
	}, nil
}

// Start blocks until the server is stopped.
func (s *ControlPlaneServer) Start(ctx context.Context) error {
	url, _ := addrToURL(s.addr)
	slog.Info("control plane start", "addr", url, "token", utils.MaskSecret(s.token))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

func (s *ControlPlaneServer) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}

// addrToURL turns a host:port listen address into a URL. An empty host means all interfaces.
func addrToURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid control plane addr %q: %w", addr, err)
	}
	if port == "" {
		return "", fmt.Errorf("invalid control plane addr %q: missing port", addr)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("invalid control plane addr %q: bad port", addr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}
