package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentworkforce/notebookrelay/internal/config"
	"github.com/agentworkforce/notebookrelay/internal/language"
	"github.com/agentworkforce/notebookrelay/internal/notebook"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    notebook.MappingStore
	session  *notebook.Session
	events   *notebook.Broker
	registry *prometheus.Registry
	service  *notebook.Service
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	dsn, err := cfg.StoreDSN()
	if err != nil {
		return nil, err
	}
	store, err := notebook.BuildMappingStoreFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mapping store: %w", err)
	}

	session := newSession(cfg.Session, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := notebook.NewMetrics(registry)

	client := notebook.NewHTTPClient(notebook.HTTPClientOptions{
		BaseURL:        cfg.Gateway.URL,
		TokenProvider:  session.Token,
		OnUnauthorized: session.Invalidate,
		HTTPClient:     &http.Client{Timeout: cfg.Gateway.Timeout},
		UserAgent:      "notebookrelay/" + version,
		MaxRetries:     cfg.Gateway.MaxRetries,
		BaseDelay:      cfg.Gateway.BaseDelay,
		MaxDelay:       cfg.Gateway.MaxDelay,
		Metrics:        metrics,
	})

	events := notebook.NewBroker(0)
	manager, err := notebook.NewManager(notebook.ManagerOptions{
		Store:         store,
		Client:        client,
		PollInterval:  cfg.Lifecycle.PollInterval,
		WaitTimeout:   cfg.Lifecycle.WaitTimeout,
		CreateTimeout: cfg.Lifecycle.CreateTimeout,
		PendingTTL:    cfg.Lifecycle.PendingTTL,
		Logger:        logger,
		Events:        events,
		Metrics:       metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var translator *language.Translator
	if url := strings.TrimSpace(cfg.Translation.URL); url != "" {
		translator = language.NewTranslator(url, &http.Client{Timeout: cfg.Gateway.Timeout}, logger)
	}
	guard := language.NewGuard(language.NewDetector(), translator, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		session:  session,
		events:   events,
		registry: registry,
		service:  notebook.NewService(manager, client, guard, logger),
	}, nil
}

// newSession prefers a configured token; otherwise it reads the browser
// storage-state file. A missing or expired file is not fatal: requests fail
// with session_expired until the file is refreshed.
func newSession(cfg config.SessionConfig, logger *slog.Logger) *notebook.Session {
	if token := strings.TrimSpace(cfg.Token); token != "" {
		return notebook.StaticSession(token)
	}
	path := expandHome(cfg.StorageState)
	session := notebook.NewSession(path, logger)
	if err := session.Load(); err != nil {
		logger.Warn("external session not loaded", "path", path, "error", err)
	}
	return session
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func (a *app) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	if err := a.store.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close mapping store: %w", err)
	}
	return nil
}
