package client

import (
	"context"
	"net/http"
	"time"

	"sonicwave/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set the configured
// request headers on every outbound gateway request. All gateway traffic in
// the core goes through this client so timeouts and headers stay uniform.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// NewHeaderSettingClient builds the shared gateway HTTP client. The client
// itself carries no overall timeout; every call site passes a context with
// an explicit deadline instead.
func NewHeaderSettingClient(config *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // Deadlines come from the per-request context
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client: client,
		config: config,
	}
}

// Do sets the configured headers and executes the request.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// Head issues a HEAD request against the given URL with the supplied
// timeout. The returned response body is already closed.
func (hsc *HeaderSettingClient) Head(ctx context.Context, url string, timeout time.Duration) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := hsc.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

// Get issues a GET request against the given URL with the supplied timeout.
// The caller owns the response body. The cancel function must be called once
// the body has been consumed; it is returned rather than deferred so the
// deadline covers the body read, not just the header exchange.
func (hsc *HeaderSettingClient) Get(ctx context.Context, url string, timeout time.Duration) (*http.Response, context.CancelFunc, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	resp, err := hsc.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

// setHeaders applies the configured identification headers to a request.
func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.config.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.config.ReqOrigin != "" {
		req.Header.Set("Origin", hsc.config.ReqOrigin)
	}
	if hsc.config.ReqReferrer != "" {
		req.Header.Set("Referer", hsc.config.ReqReferrer)
	}
}
