package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// proxyTimeout bounds one full proxied exchange.
const proxyTimeout = 60 * time.Second

// hopByHopHeaders must not be forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// udsProxy forwards HTTP requests to the control-plane server over its Unix
// domain socket. Bodies are proxied as a single buffer; the control plane
// serves small JSON payloads, not streams.
type udsProxy struct {
	client *http.Client
	logger *slog.Logger
}

func newUDSProxy(udsPath string, logger *slog.Logger) *udsProxy {
	return &udsProxy{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", udsPath)
				},
			},
			// Redirects pass through untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: proxyTimeout,
		},
		logger: logger,
	}
}

func (p *udsProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method,
		"http://control-plane"+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyHeaders(out.Header, r.Header)
	out.Host = r.Host

	resp, err := p.client.Do(out)
	if err != nil {
		p.logger.Warn("control-plane proxy failed", slog.String("error", err.Error()))
		http.Error(w, "control plane unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

// copyHeaders copies src into dst, dropping hop-by-hop headers and any
// header named by the Connection header.
func copyHeaders(dst, src http.Header) {
	dropped := map[string]bool{}
	for _, h := range hopByHopHeaders {
		dropped[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dropped[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for name, values := range src {
		if dropped[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// headerContainsToken reports whether any value of the named header contains
// token as a comma-separated, case-insensitive element.
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
