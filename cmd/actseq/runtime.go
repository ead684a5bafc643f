package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/actseq/internal/app"
	"github.com/rendis/actseq/internal/journal"
	"github.com/rendis/actseq/internal/metrics"
	"github.com/rendis/actseq/internal/plugins"
)

// openJournal returns nil when no journal is configured.
func (c *cli) openJournal(ctx context.Context) (journal.Journal, error) {
	switch c.cfg.Journal {
	case journalLibSQL:
		if err := os.MkdirAll(filepath.Dir(c.cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
		j, err := journal.OpenLibSQL(ctx, c.cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return j, nil
	case journalRedis:
		j := journal.NewRedis(c.cfg.RedisAddr, c.getenv("ACTSEQ_REDIS_PASSWORD"), 0)
		if err := j.Ping(ctx); err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("redis journal: %w", err)
		}
		return j, nil
	default:
		return nil, nil
	}
}

// open wires a runtime, loads the plugin directory and restores the journal.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	j, err := c.openJournal(ctx)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if c.cfg.MetricsAddr != "" {
		m = metrics.New()
		c.serveMetrics(ctx, m)
	}

	a, err := app.New(app.Options{
		MaxDepth: c.cfg.MaxDepth,
		PoolSize: c.cfg.PoolSize,
		Journal:  j,
		Metrics:  m,
		Logger:   c.logger,
	})
	if err != nil {
		if j != nil {
			_ = j.Close()
		}
		return nil, err
	}

	if c.cfg.PluginDir != "" {
		ps, err := plugins.ReadDir(c.cfg.PluginDir)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		if err := a.LoadPlugins(ctx, ps...); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	if _, err := a.Restore(ctx); err != nil {
		c.logger.WarnContext(ctx, "journal restore incomplete", slog.Any("error", err))
	}
	return a, nil
}

// serveMetrics exposes /metrics until ctx is done.
func (c *cli) serveMetrics(ctx context.Context, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              c.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		c.logger.Info("metrics listening", slog.String("addr", c.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// readSource reads a sequence definition written in YAML or JSON.
func readSource(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def any
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if def == nil {
		return nil, fmt.Errorf("%s: empty definition", path)
	}
	return def, nil
}

// sequenceID derives an id from a file name: "flows/bump.yaml" becomes "bump".
func sequenceID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
