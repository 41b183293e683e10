package mcpgw

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

	"github.com/cardmate/advisor/pkg/models"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 8 << 20

// NewHTTPHandler exposes the gateway at POST /mcp. Notifications are
// acknowledged with 202 and an empty body.
func NewHTTPHandler(gw *Gateway) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Post("/mcp", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		out := gw.handleRaw(req.Context(), body)
		if out == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","agent":"` + gw.Name() + `"}`))
	})
	return r
}

// ServeHTTP listens on addr until ctx is cancelled, then shuts down
// gracefully.
func ServeHTTP(ctx context.Context, addr string, gw *Gateway) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHTTPHandler(gw),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("agent", gw.Name()).Str("addr", addr).Msg("🔌 MCP HTTP endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// ── Client side ─────────────────────────────────────────────

type httpConn struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func (c *httpConn) post(ctx context.Context, req *models.MCPRequest) (*http.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.client.Do(httpReq)
}

func (c *httpConn) call(ctx context.Context, req *models.MCPRequest) (*models.MCPResponse, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out models.MCPResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (c *httpConn) notify(ctx context.Context, req *models.MCPRequest) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify %s: status %d", req.Method, resp.StatusCode)
	}
	return nil
}

func (c *httpConn) close() error {
	c.client.CloseIdleConnections()
	return nil
}

// DialHTTP connects to a sub-agent's /mcp endpoint. baseURL may be the
// server root or the full endpoint URL.
func DialHTTP(ctx context.Context, name, baseURL string, opts ...DialOption) (*Client, error) {
	o := applyDialOptions(opts)
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	url := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(url, "/mcp") {
		url += "/mcp"
	}

	c := newClient(name, models.TransportHTTP, &httpConn{url: url, client: hc, timeout: o.requestTimeout})
	if err := handshake(ctx, c, o.retryFor); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}
