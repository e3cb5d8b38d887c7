package notesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ephemeralRecordSchema guards the native record shape coming back from
// the ephemeral store. A record that fails validation is dropped and
// logged rather than coerced into a note.
const ephemeralRecordSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "createdAt", "updatedAt"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"content": {"type": "string"},
		"isPinned": {"type": "boolean"},
		"order": {"type": "integer", "minimum": 0},
		"isPrivate": {"type": "boolean"},
		"isCollapsed": {"type": "boolean"},
		"createdAt": {"type": "integer", "minimum": 1},
		"updatedAt": {"type": "integer", "minimum": 0}
	}
}`

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type EphemeralStoreOptions struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     zerolog.Logger
}

// HTTPEphemeralStore talks to the anonymous-token-keyed note service over
// REST. Transient failures (network, 429, 5xx) are retried here with
// bounded exponential backoff honoring Retry-After; only a final error
// crosses into the core.
type HTTPEphemeralStore struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	schema     *jsonschema.Schema
	logger     zerolog.Logger
}

func NewHTTPEphemeralStore(opts EphemeralStoreOptions) (*HTTPEphemeralStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	schema, err := compileEphemeralRecordSchema()
	if err != nil {
		return nil, err
	}
	return &HTTPEphemeralStore{
		baseURL:    baseURL,
		apiToken:   strings.TrimSpace(opts.APIToken),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		schema:     schema,
		logger:     opts.Logger,
	}, nil
}

func compileEphemeralRecordSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ephemeralRecordSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("ephemeral-note.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("ephemeral-note.json")
}

type ephemeralListResponse struct {
	Notes []json.RawMessage `json:"notes"`
}

func (c *HTTPEphemeralStore) ReadAll(ctx context.Context, ownerKey string) ([]Note, error) {
	if strings.TrimSpace(ownerKey) == "" {
		return nil, ErrInvalidInput
	}
	var out ephemeralListResponse
	path := fmt.Sprintf("/v1/anon/%s/notes", url.PathEscape(ownerKey))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	notes := make([]Note, 0, len(out.Notes))
	for _, raw := range out.Notes {
		note, err := c.decodeRecord(raw)
		if err != nil {
			c.logger.Warn().Err(err).Str("owner", ownerKey).Msg("dropping malformed ephemeral record")
			continue
		}
		notes = append(notes, note)
	}
	return notes, nil
}

func (c *HTTPEphemeralStore) decodeRecord(raw json.RawMessage) (Note, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := c.schema.Validate(instance); err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	var rec EphemeralRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return NoteFromEphemeral(rec)
}

func (c *HTTPEphemeralStore) Write(ctx context.Context, ownerKey string, note Note) error {
	if strings.TrimSpace(ownerKey) == "" || strings.TrimSpace(note.ID) == "" {
		return ErrInvalidInput
	}
	path := fmt.Sprintf("/v1/anon/%s/notes/%s", url.PathEscape(ownerKey), url.PathEscape(note.ID))
	return c.doJSON(ctx, http.MethodPut, path, note.ToEphemeral(), nil)
}

func (c *HTTPEphemeralStore) Delete(ctx context.Context, ownerKey, noteID string) error {
	if strings.TrimSpace(ownerKey) == "" || strings.TrimSpace(noteID) == "" {
		return ErrInvalidInput
	}
	path := fmt.Sprintf("/v1/anon/%s/notes/%s", url.PathEscape(ownerKey), url.PathEscape(noteID))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Touch refreshes the owner's inactivity expiry window. The store itself
// owns the expiry; the core only signals liveness.
func (c *HTTPEphemeralStore) Touch(ctx context.Context, ownerKey string) error {
	if strings.TrimSpace(ownerKey) == "" {
		return ErrInvalidInput
	}
	path := fmt.Sprintf("/v1/anon/%s/touch", url.PathEscape(ownerKey))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPEphemeralStore) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiToken)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payloadBytes))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: status=%d message=%s", ErrUnavailable, resp.StatusCode, errPayload.Message)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPEphemeralStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
