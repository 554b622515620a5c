package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sysmetrics/connreg/internal/secret"
)

// InfluxBackend speaks the InfluxDB v1 HTTP API directly: /ping for
// liveness and /query with basic auth for the authenticated check.
// Credentials travel in the Authorization header, never in the URL, so
// they cannot surface through url.Error strings.
type InfluxBackend struct {
	client *http.Client
}

// NewInfluxBackend creates the backend with a bounded HTTP client.
func NewInfluxBackend() *InfluxBackend {
	return &InfluxBackend{
		client: &http.Client{Timeout: DialTimeout},
	}
}

// Kind returns the backend kind.
func (b *InfluxBackend) Kind() secret.Kind { return secret.KindInflux }

// Connect verifies the server answers /ping and that the credentials
// can query the first configured database.
func (b *InfluxBackend) Connect(ctx context.Context, cfg secret.PlatformConfig, password string) (Conn, error) {
	scheme := "http"
	if cfg.SSL {
		scheme = "https"
	}
	conn := &influxConn{
		client:    b.client,
		baseURL:   fmt.Sprintf("%s://%s", scheme, cfg.Addr()),
		user:      cfg.User,
		password:  password,
		databases: append([]string(nil), cfg.Databases...),
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	if err := conn.checkAuth(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

type influxConn struct {
	client    *http.Client
	baseURL   string
	user      string
	password  string
	databases []string
}

// Ping hits the unauthenticated /ping endpoint; InfluxDB answers 204.
func (c *influxConn) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return sanitize(err, c.password)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("influx ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// checkAuth runs SHOW MEASUREMENTS against the first database so bad
// credentials or a missing database fail at registration, not at first
// use.
func (c *influxConn) checkAuth(ctx context.Context) error {
	q := url.Values{}
	q.Set("db", c.databases[0])
	q.Set("q", "SHOW MEASUREMENTS LIMIT 1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/query?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return sanitize(err, c.password)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("influx auth: rejected for user %q", c.user)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("influx query: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *influxConn) Databases() []string {
	return append([]string(nil), c.databases...)
}

func (c *influxConn) Close() error {
	// Plain HTTP: no connection state beyond the shared client pool.
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
