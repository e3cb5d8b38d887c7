package notesync

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// BuildDurableStoreFromDSN selects the durable store backend by scheme:
// postgres:// for the relational store, memory:// for tests and dev.
func BuildDurableStoreFromDSN(dsn string, logger zerolog.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresDurableStore(dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported durable store scheme: %s", scheme)
	}
}

// BuildEphemeralStoreFromDSN selects the ephemeral store backend:
// http(s):// for the anonymous-token REST service, memory:// otherwise.
func BuildEphemeralStoreFromDSN(dsn, apiToken string, logger zerolog.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "http", "https":
		return NewHTTPEphemeralStore(EphemeralStoreOptions{
			BaseURL:  dsn,
			APIToken: apiToken,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unsupported ephemeral store scheme: %s", scheme)
	}
}

// BuildOpQueueFromDSN selects the offline queue backend: a bare path or
// file:// for the JSON file queue, sqlite:// for the SQLite queue,
// memory:// for a non-durable one.
func BuildOpQueueFromDSN(dsn string) (OpQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileOpQueue(path)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteOpQueue(path)
	case "memory", "mem", "inmem":
		return NewMemoryOpQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported offline queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
