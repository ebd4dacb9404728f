package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/berfenger/sunspec-collector/internal/config"
)

// Server exposes the collector's HTTP surface: a liveness probe and the
// Prometheus scrape endpoint. Everything else spec.md treats as an
// external collaborator (watchdog notifier, config loader) stays out of
// this package entirely.
type Server struct {
	port     uint
	httpLog  bool
	registry *prometheus.Registry
}

func NewServer(cfg config.Config, registry *prometheus.Registry) *http.Server {
	s := &Server{
		port:     cfg.Port,
		httpLog:  cfg.HttpLog,
		registry: registry,
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
