package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"dynadmin/internal/dsl"
)

// Options configures an HTTPSource.
type Options struct {
	URL string
	// PublishURL receives PUT requests; URL without a trailing /latest when empty.
	PublishURL    string
	MasterKey     string
	AccessKey     string
	Timeout       time.Duration
	KnownEntities []string
	Client        *http.Client
}

// maxBody caps the configuration payload.
const maxBody = 16 << 20

// HTTPSource fetches the configuration with GET and publishes with PUT, the
// way JSON bin services expose a versioned record.
type HTTPSource struct {
	opts   Options
	client *http.Client
	log    *zap.Logger
}

var (
	_ Source    = (*HTTPSource)(nil)
	_ Publisher = (*HTTPSource)(nil)
)

// NewHTTPSource builds a source for opts.URL.
func NewHTTPSource(opts Options, log *zap.Logger) *HTTPSource {
	if log == nil {
		log = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if opts.PublishURL == "" {
		opts.PublishURL = strings.TrimSuffix(strings.TrimRight(opts.URL, "/"), "/latest")
	}
	return &HTTPSource{opts: opts, client: client, log: log}
}

func (s *HTTPSource) setKeys(req *http.Request) {
	if s.opts.MasterKey != "" {
		req.Header.Set("X-Master-Key", s.opts.MasterKey)
	}
	if s.opts.AccessKey != "" {
		req.Header.Set("X-Access-Key", s.opts.AccessKey)
	}
}

// Fetch performs one GET and locates the configuration map in the payload.
func (s *HTTPSource) Fetch(ctx context.Context) (*dsl.Object, error) {
	fail := func(status int, err error) (*dsl.Object, error) {
		return nil, &FetchError{URL: s.opts.URL, Status: status, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Accept", "application/json")
	s.setKeys(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fail(resp.StatusCode, fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))))
	}

	payload, err := dsl.Decode(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode payload: %w", err))
	}
	cfg, ok := Locate(payload, s.opts.KnownEntities)
	if !ok {
		return fail(resp.StatusCode, ErrNoEntityConfig)
	}
	s.log.Debug("remote config fetched", zap.String("url", s.opts.URL), zap.Strings("keys", cfg.Keys()))
	return cfg, nil
}

// Publish replaces the remote record with record.
func (s *HTTPSource) Publish(ctx context.Context, record *dsl.Object) error {
	if record == nil {
		return errors.New("remote: nothing to publish")
	}
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.opts.PublishURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.setKeys(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return &FetchError{URL: s.opts.PublishURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &FetchError{URL: s.opts.PublishURL, Status: resp.StatusCode, Err: fmt.Errorf("publish rejected: %s", strings.TrimSpace(string(msg)))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	s.log.Info("remote config published", zap.String("url", s.opts.PublishURL), zap.Int("entities", record.Len()))
	return nil
}

// NewSource picks a FileSource for file:// URLs and bare paths and an
// HTTPSource for http(s) URLs.
func NewSource(opts Options, log *zap.Logger) Source {
	u := strings.TrimSpace(opts.URL)
	switch {
	case strings.HasPrefix(u, "file://"):
		return &FileSource{Path: strings.TrimPrefix(u, "file://"), KnownEntities: opts.KnownEntities}
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
		return NewHTTPSource(opts, log)
	default:
		return &FileSource{Path: u, KnownEntities: opts.KnownEntities}
	}
}
