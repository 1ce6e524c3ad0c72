// Package proxy forwards admitted requests to upstream nodes. It owns
// header hygiene, JSON-RPC body handling, response streaming, and the
// single-retry failover against the endpoint pool.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpc-gateway/internal/upstream"
)

// ErrTimeout reports that the upstream did not answer before the
// request deadline.
var ErrTimeout = errors.New("upstream timeout")

// UpstreamError reports that every forwarding attempt failed. The
// attempted URLs feed the structured 502 body.
type UpstreamError struct {
	Chain     string
	Layer     upstream.Layer
	Attempted []string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("all %d upstream attempts failed for %s/%s", len(e.Attempted), e.Chain, e.Layer)
}

// hopByHop headers are connection-scoped and never forwarded.
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Outcome summarizes a completed forward for accounting.
type Outcome struct {
	Status    int
	Attempted []string
	Degraded  bool
	Duration  time.Duration
}

// Forwarder performs the actual upstream round trips. One instance is
// shared across all chains; per-request state stays on the stack.
type Forwarder struct {
	client *http.Client
	logger *zap.Logger
}

// New builds a forwarder. The client carries no overall timeout; the
// request context's deadline governs every round trip.
func New(logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Forward sends the request to an endpoint picked from pool, retrying
// once against another endpoint on connection error or upstream 5xx.
// body is the already-consumed request body, replayed on retry;
// upstreamPath is the path remainder after the routing prefix. A nil
// body streams the inbound request body through without buffering,
// and a streamed non-empty body cannot be replayed, so those requests
// get a single attempt.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, pool *upstream.Pool, upstreamPath string, body []byte) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{}

	maxAttempts := 2
	if body == nil && r.ContentLength != 0 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ep, degraded, err := pool.Pick(ctx)
		if err != nil {
			if len(out.Attempted) > 0 {
				// First attempt burned the only candidate.
				break
			}
			return nil, err
		}
		out.Attempted = append(out.Attempted, ep.URL)
		out.Degraded = out.Degraded || degraded

		status, err := f.attempt(ctx, w, r, ep, upstreamPath, body, start)
		ep.Release()
		if err == nil {
			ep.RecordSuccess(false)
			out.Status = status
			out.Duration = time.Since(start)
			return out, nil
		}
		if errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			ep.RecordFailure(false)
			return nil, ErrTimeout
		}
		ep.RecordFailure(false)
		f.logger.Warn("upstream attempt failed",
			zap.String("chain", pool.Chain),
			zap.String("layer", string(pool.Layer)),
			zap.String("url", ep.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, &UpstreamError{Chain: pool.Chain, Layer: pool.Layer, Attempted: out.Attempted}
}

// attempt performs one round trip. A response is only written to w on
// success, so a failed first attempt leaves the ResponseWriter clean
// for the retry.
func (f *Forwarder) attempt(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *upstream.Endpoint, upstreamPath string, body []byte, start time.Time) (int, error) {
	target, err := joinTarget(ep.URL, upstreamPath, r.URL.RawQuery)
	if err != nil {
		return 0, err
	}

	var rd io.Reader = bytes.NewReader(body)
	if body == nil {
		rd = http.NoBody
		if r.ContentLength != 0 {
			rd = r.Body
		}
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, rd)
	if err != nil {
		return 0, err
	}
	copyProxyHeaders(req, r)
	if body != nil {
		req.ContentLength = int64(len(body))
	} else {
		req.ContentLength = r.ContentLength
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ErrTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, ErrTimeout
		}
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	h := w.Header()
	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			h.Add(key, v)
		}
	}
	h.Set("X-RPC-Gateway", "true")
	h.Set("X-Endpoint-Type", string(ep.Layer))
	h.Set("X-Response-Time", strconv.FormatFloat(time.Since(start).Seconds(), 'f', 4, 64))

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are already on the wire; log and report the upstream
		// status rather than failing the request.
		f.logger.Debug("response stream interrupted", zap.String("url", ep.URL), zap.Error(err))
	}
	return resp.StatusCode, nil
}

func joinTarget(base, rest, rawQuery string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("bad upstream url %q: %w", base, err)
	}
	basePath := strings.TrimSuffix(u.Path, "/")
	if rest != "" && !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	u.Path = basePath + rest
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = rawQuery
	return u.String(), nil
}

func copyProxyHeaders(req *http.Request, r *http.Request) {
	for key, values := range r.Header {
		if isHopByHop(key) || strings.EqualFold(key, "Authorization") {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	// Tokens named in the Connection header are hop-by-hop too.
	for _, token := range r.Header.Values("Connection") {
		for _, name := range strings.Split(token, ",") {
			if name = strings.TrimSpace(name); name != "" {
				req.Header.Del(name)
			}
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := r.Header.Get("X-Forwarded-For")
		if prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			req.Header.Set("X-Forwarded-For", host)
		}
	}
	req.Host = req.URL.Host
}

func isHopByHop(key string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}
