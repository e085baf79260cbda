package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/chat-relay/relay/config"
	"github.com/ZanzyTHEbar/chat-relay/relay/pipeline"
	"github.com/ZanzyTHEbar/chat-relay/relay/server"
)

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger := newLogger(cfg.Log, os.Stderr)
	if used := loader.ConfigFileUsed(); used != "" {
		logger.Info().Str("file", used).Msg("Loaded config file")
	}

	components, err := pipeline.NewFactory(cfg, logger).Build(nil)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	if loader.ConfigFileUsed() != "" {
		loader.Watch(func(next *config.Config, ev fsnotify.Event) {
			components.Guard.SetOrigins(next.Access.AllowedOrigins)
			components.Extractor.SetReasoningPrefixes(next.Extraction.ReasoningPrefixes)
			logger.Info().
				Str("file", ev.Name).
				Strs("allowed_origins", next.Access.AllowedOrigins).
				Int("reasoning_prefixes", len(next.Extraction.ReasoningPrefixes)).
				Msg("Config reloaded")
		}, func(err error) {
			logger.Error().Err(err).Msg("Config reload rejected, keeping previous values")
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, components, logger)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return srv.Run(ctx)
	})
	p.Go(func(ctx context.Context) error {
		components.Limiter.Run(ctx, cfg.RateLimit.SweepInterval, func(removed, remaining int) {
			if removed > 0 {
				logger.Debug().Int("removed", removed).Int("remaining", remaining).Msg("Evicted idle client windows")
			}
		})
		return nil
	})

	err = p.Wait()
	logger.Info().Msg("Shut down")
	return err
}

func runConfig(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return printConfig(cmd.OutOrStdout(), cfg)
}

// printConfig writes cfg as YAML with secrets masked.
func printConfig(w io.Writer, cfg *config.Config) error {
	masked := *cfg
	masked.Provider.APIKey = mask(cfg.Provider.APIKey)
	masked.Access.Key = mask(cfg.Access.Key)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(configView(&masked)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// configView renders durations as strings, the way they are written in files.
func configView(c *config.Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"addr":             c.Server.Addr,
			"read_timeout":     c.Server.ReadTimeout.String(),
			"write_timeout":    c.Server.WriteTimeout.String(),
			"shutdown_timeout": c.Server.ShutdownTimeout.String(),
			"max_body_bytes":   c.Server.MaxBodyBytes,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"provider": map[string]any{
			"base_url":    c.Provider.BaseURL,
			"api_key":     c.Provider.APIKey,
			"model":       c.Provider.Model,
			"temperature": c.Provider.Temperature,
			"max_tokens":  c.Provider.MaxTokens,
			"timeout":     c.Provider.Timeout.String(),
			"referer":     c.Provider.Referer,
			"title":       c.Provider.Title,
		},
		"access": map[string]any{
			"key":                  c.Access.Key,
			"allowed_origins":      c.Access.AllowedOrigins,
			"allow_missing_origin": c.Access.AllowMissingOrigin,
		},
		"rate_limit": map[string]any{
			"max_requests":            c.RateLimit.MaxRequests,
			"window":                  c.RateLimit.Window.String(),
			"trust_forwarded_headers": c.RateLimit.TrustForwardedHeaders,
			"sweep_interval":          c.RateLimit.SweepInterval.String(),
		},
		"retry": map[string]any{
			"max_retries": c.Retry.MaxRetries,
			"base_delay":  c.Retry.BaseDelay.String(),
			"max_delay":   c.Retry.MaxDelay.String(),
		},
		"limits": map[string]any{
			"min_message_length": c.Limits.MinMessageLength,
			"max_message_length": c.Limits.MaxMessageLength,
		},
		"extraction": map[string]any{
			"open_marker":         c.Extraction.OpenMarker,
			"close_marker":        c.Extraction.CloseMarker,
			"inline_marker":       c.Extraction.InlineMarker,
			"min_response_length": c.Extraction.MinResponseLength,
			"reasoning_prefixes":  c.Extraction.ReasoningPrefixes,
			"system_instruction":  c.Extraction.SystemInstruction,
		},
		"tracing": map[string]any{
			"enabled": c.Tracing.Enabled,
		},
	}
}

// newLogger builds the root logger from log settings.
func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
