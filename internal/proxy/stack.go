package proxy

import (
	"context"
	"log/slog"

	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/metrics"
)

// StackConfig groups the configuration needed to build a Stack.
type StackConfig struct {
	Config    config.Config
	Collector metrics.Collector // nil → NoopCollector
	Logger    *slog.Logger      // nil → slog.Default()
}

// Stack owns all components of a running proxy instance and manages their
// lifecycle. It exists so main and the integration tests build the same
// wiring.
type Stack struct {
	server   *Server
	settings *config.Settings
	logger   *slog.Logger
}

// NewStack creates a Stack from the given configuration, wiring up all
// components.
func NewStack(sc StackConfig) (*Stack, error) {
	logger := sc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := sc.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	settings, err := sc.Config.Runtime()
	if err != nil {
		return nil, err
	}

	srv, err := New(&sc.Config, settings, collector, logger)
	if err != nil {
		return nil, err
	}

	return &Stack{
		server:   srv,
		settings: settings,
		logger:   logger,
	}, nil
}

// Run starts the proxy and blocks until the context is cancelled.
func (s *Stack) Run(ctx context.Context) error {
	return s.server.Run(ctx)
}

// Settings returns the live settings record.
func (s *Stack) Settings() *config.Settings {
	return s.settings
}

// Server returns the underlying server.
func (s *Stack) Server() *Server {
	return s.server
}
