// Package httpconn implements the HTTP destination connector: a pluggable
// outbound sender whose Response.status is derived from a configurable
// status-code-to-outcome mapping.
package httpconn

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
	"github.com/jeeves-cluster-organization/channelengine/connector"
)

// StatusMapping maps an HTTP status code to a Response.Status outcome.
// A nil mapping defaults to: 2xx -> SENT, everything else -> ERROR.
type StatusMapping func(code int) string

// Config is one HTTP destination connector's configuration.
type Config struct {
	Name    string
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
	Mapping StatusMapping
}

// Destination sends a connector-message's ENCODED body as an HTTP
// request body. It implements connector.Destination.
type Destination struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Destination {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Mapping == nil {
		cfg.Mapping = defaultMapping
	}
	return &Destination{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func defaultMapping(code int) string {
	if code >= 200 && code < 300 {
		return "SENT"
	}
	return "ERROR"
}

func (d *Destination) Name() string { return d.cfg.Name }

func (d *Destination) Start(ctx context.Context) error { return nil }
func (d *Destination) Stop(ctx context.Context) error  { return nil }

// Send issues one HTTP request carrying body, returning a Response whose
// Status is derived from the configured StatusMapping.
func (d *Destination) Send(ctx context.Context, body string, connectorMap map[string]any) (connector.Response, error) {
	req, err := http.NewRequestWithContext(ctx, d.cfg.Method, d.cfg.URL, bytes.NewBufferString(body))
	if err != nil {
		return connector.Response{}, ceerrors.NewTransport(err, "httpconn %s: build request", d.cfg.Name)
	}
	for k, v := range d.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return connector.Response{Status: "ERROR", Message: err.Error()}, ceerrors.NewTransport(err, "httpconn %s: request failed", d.cfg.Name)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	status := d.cfg.Mapping(resp.StatusCode)

	out := connector.Response{Status: status, StatusCode: resp.StatusCode, Message: string(respBody)}
	if status == "ERROR" {
		return out, ceerrors.NewTransport(nil, "httpconn %s: status %d", d.cfg.Name, resp.StatusCode)
	}
	return out, nil
}
