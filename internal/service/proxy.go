// Package service implements the forwarding logic between clients and the
// wrapped application.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"emulaterest-go/internal/client"
	"emulaterest-go/internal/config"
)

// hopByHopHeaders are connection-scoped and never forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// ForwardRequest is a client request to be forwarded upstream.
type ForwardRequest struct {
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header
	Body          io.Reader
	ContentLength int64 // 0 means no body, -1 unknown

	ClientIP string
	Host     string
	Scheme   string
}

// ProxyService handles the forwarding logic for proxied requests.
type ProxyService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService for the configured upstream.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// BaseURL returns the upstream base URL.
func (s *ProxyService) BaseURL() string {
	return s.baseURL.String()
}

// Forward sends fr to the upstream application and returns its response with
// hop-by-hop headers removed. The caller is responsible for closing the
// response body.
func (s *ProxyService) Forward(ctx context.Context, fr *ForwardRequest) (*http.Response, error) {
	upstreamURL := s.buildUpstreamURL(fr.Path, fr.RawQuery)
	header := s.filterRequestHeaders(fr)

	s.logger.Debug("forwarding request",
		"method", fr.Method,
		"path", fr.Path,
	)

	body := fr.Body
	if fr.ContentLength == 0 || body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, fr.Method, upstreamURL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != http.NoBody {
		req.ContentLength = fr.ContentLength
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins the request path onto the base URL path and keeps
// the query string as sent. Dot segments cannot climb above the base path.
func (s *ProxyService) buildUpstreamURL(p, rawQuery string) string {
	u := *s.baseURL
	joined := path.Join("/", s.baseURL.Path, path.Clean("/"+p))
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	u.Path = joined
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

func (s *ProxyService) filterRequestHeaders(fr *ForwardRequest) http.Header {
	dst := make(http.Header, len(fr.Header)+3)
	for key, vals := range fr.Header {
		if skipHeader(key, fr.Header) || http.CanonicalHeaderKey(key) == "Accept-Encoding" {
			continue
		}
		dst[key] = vals
	}

	if fr.ClientIP != "" {
		if prior := fr.Header.Get("X-Forwarded-For"); prior != "" {
			dst.Set("X-Forwarded-For", prior+", "+fr.ClientIP)
		} else {
			dst.Set("X-Forwarded-For", fr.ClientIP)
		}
	}
	if fr.Host != "" {
		dst.Set("X-Forwarded-Host", fr.Host)
	}
	if fr.Scheme != "" {
		dst.Set("X-Forwarded-Proto", fr.Scheme)
	}
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if !skipHeader(key, src) {
			dst[key] = vals
		}
	}
	return dst
}

// skipHeader reports whether key is hop-by-hop, either by definition or
// because the Connection header names it.
func skipHeader(key string, h http.Header) bool {
	key = http.CanonicalHeaderKey(key)
	if hopByHopHeaders[key] {
		return true
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if http.CanonicalHeaderKey(strings.TrimSpace(name)) == key {
				return true
			}
		}
	}
	return false
}
