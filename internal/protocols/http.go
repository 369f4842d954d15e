package protocols

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultHTTPTimeout = 30 * time.Second

type httpClient struct {
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPClient returns an HTTPClient backed by net/http. Certificates are
// not verified: management interfaces mostly run self-signed ones.
func NewHTTPClient(logger zerolog.Logger) HTTPClient {
	return &httpClient{
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
		logger: logger.With().Str("component", "http_client").Logger(),
	}
}

func (c *httpClient) Do(ctx context.Context, hostname string, cfg *HTTPConfig, req HTTPRequest) (string, error) {
	if cfg == nil {
		return "", ErrProtocolNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, Seconds(cfg.TimeoutSeconds, defaultHTTPTimeout))
	defer cancel()

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, resolveURL(hostname, cfg, req.URL), body)
	if err != nil {
		return "", fmt.Errorf("invalid request for %q: %w", req.URL, err)
	}
	for _, line := range strings.Split(req.Header, "\n") {
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		httpReq.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if cfg.Username != "" && httpReq.Header.Get("Authorization") == "" {
		httpReq.SetBasicAuth(cfg.Username, cfg.Password)
	}

	c.logger.Debug().Str("hostname", hostname).Str("method", method).Str("url", httpReq.URL.Redacted()).Msg("Executing HTTP request")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTP response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: HTTP %d", ErrAuthentication, resp.StatusCode)
	}

	switch strings.ToLower(req.ResultContent) {
	case "http_status":
		return fmt.Sprintf("%d", resp.StatusCode), nil
	case "header":
		return formatHeader(resp.Header), nil
	case "all":
		return fmt.Sprintf("%s %s\n%s\n%s", resp.Proto, resp.Status, formatHeader(resp.Header), payload), nil
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return string(payload), nil
}

// BaseURL is the scheme, host and port requests are sent to.
func BaseURL(hostname string, cfg *HTTPConfig) string {
	scheme := "http"
	if cfg.HTTPS {
		scheme = "https"
	}
	port := GetRegistry().MustProtocol(ProtocolHTTP).Port(cfg.Port, cfg.HTTPS)
	return fmt.Sprintf("%s://%s:%d", scheme, hostname, port)
}

func resolveURL(hostname string, cfg *HTTPConfig, url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	if !strings.HasPrefix(url, "/") {
		url = "/" + url
	}
	return BaseURL(hostname, cfg) + url
}

func formatHeader(h http.Header) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		for _, v := range h[name] {
			fmt.Fprintf(&b, "%s: %s\n", name, v)
		}
	}
	return b.String()
}
