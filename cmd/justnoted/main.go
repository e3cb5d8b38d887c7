package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/MadStoneDev/just-noted-sub003/internal/httpapi"
	"github.com/MadStoneDev/just-noted-sub003/internal/notesync"
)

func main() {
	_ = godotenv.Load()
	logger := buildLogger()

	session, err := buildSessionFromEnv(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build session")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("session bootstrap failed")
	}

	addr := os.Getenv("JUSTNOTED_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	api := httpapi.NewServerWithConfig(session, httpapi.ServerConfig{
		APIToken:        os.Getenv("JUSTNOTED_API_TOKEN"),
		RateLimitMax:    intEnv("JUSTNOTED_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("JUSTNOTED_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("JUSTNOTED_MAX_BODY_BYTES", 0),
	})
	server := &http.Server{Addr: addr, Handler: api}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("justnoted listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server shutdown failed")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	}
	if err := session.Close(); err != nil {
		logger.Warn().Err(err).Msg("session close failed")
	}
}

func buildLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("JUSTNOTED_LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func buildSessionFromEnv(logger zerolog.Logger) (*notesync.Session, error) {
	ephemeralDSN, durableDSN, queueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	if dsn := strings.TrimSpace(os.Getenv("JUSTNOTED_EPHEMERAL_DSN")); dsn != "" {
		ephemeralDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("JUSTNOTED_DURABLE_DSN")); dsn != "" {
		durableDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("JUSTNOTED_QUEUE_DSN")); dsn != "" {
		queueDSN = dsn
	}

	ephemeral, err := notesync.BuildEphemeralStoreFromDSN(ephemeralDSN, os.Getenv("JUSTNOTED_EPHEMERAL_API_TOKEN"), logger)
	if err != nil {
		return nil, err
	}
	if ephemeral == nil {
		ephemeral = notesync.NewMemoryStore()
	}
	durable, err := notesync.BuildDurableStoreFromDSN(durableDSN, logger)
	if err != nil {
		return nil, err
	}
	if durable == nil {
		durable = notesync.NewMemoryStore()
	}
	queue, err := notesync.BuildOpQueueFromDSN(queueDSN)
	if err != nil {
		return nil, err
	}

	tokenFile := strings.TrimSpace(os.Getenv("JUSTNOTED_TOKEN_FILE"))
	if tokenFile == "" && strings.TrimSpace(os.Getenv("JUSTNOTED_ANON_TOKEN")) == "" {
		tokenFile = filepath.Join(dataDirFromEnv(), "identity")
	}

	return notesync.NewSession(notesync.SessionOptions{
		Ephemeral:          ephemeral,
		Durable:            durable,
		Queue:              queue,
		AnonymousToken:     os.Getenv("JUSTNOTED_ANON_TOKEN"),
		TokenFile:          tokenFile,
		UserID:             os.Getenv("JUSTNOTED_USER_ID"),
		DebounceDelay:      durationEnv("JUSTNOTED_DEBOUNCE_DELAY", 0),
		RefreshInterval:    durationEnv("JUSTNOTED_REFRESH_INTERVAL", 0),
		IdleThreshold:      durationEnv("JUSTNOTED_IDLE_THRESHOLD", 0),
		LivenessInterval:   durationEnv("JUSTNOTED_LIVENESS_INTERVAL", 0),
		DefaultNoteTitle:   os.Getenv("JUSTNOTED_DEFAULT_NOTE_TITLE"),
		DefaultNoteContent: os.Getenv("JUSTNOTED_DEFAULT_NOTE_CONTENT"),
		WatchQueueFile:     boolEnv("JUSTNOTED_WATCH_QUEUE_FILE", false),
		Logger:             logger,
	})
}

// storageProfileDefaultsFromEnv resolves the backend profile into DSN
// defaults; explicit per-store DSN env vars override them.
func storageProfileDefaultsFromEnv() (ephemeralDSN, durableDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("JUSTNOTED_BACKEND_PROFILE")))
	dataDir := dataDirFromEnv()
	switch profile {
	case "", "custom":
		return "", "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", "memory://", nil
	case "production", "prod":
		ephemeralURL := strings.TrimSpace(os.Getenv("JUSTNOTED_EPHEMERAL_URL"))
		postgresDSN := strings.TrimSpace(os.Getenv("JUSTNOTED_POSTGRES_DSN"))
		if ephemeralURL == "" || postgresDSN == "" {
			return "", "", "", fmt.Errorf("JUSTNOTED_EPHEMERAL_URL and JUSTNOTED_POSTGRES_DSN are required when JUSTNOTED_BACKEND_PROFILE=%s", profile)
		}
		return ephemeralURL, postgresDSN, "sqlite://" + filepath.Join(dataDir, "pending.db"), nil
	case "durable-local", "local-durable":
		return "memory://", "memory://", "file://" + filepath.Join(dataDir, "pending-ops.json"), nil
	default:
		return "", "", "", fmt.Errorf("unsupported JUSTNOTED_BACKEND_PROFILE: %s", profile)
	}
}

func dataDirFromEnv() string {
	dataDir := strings.TrimSpace(os.Getenv("JUSTNOTED_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".justnoted"
	}
	return dataDir
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
