package common

import (
	"crypto/tls"
	_ "embed"
	"net"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the embedded build version.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent is sent on every request made to a concentrator.
func UserAgent() string {
	return "GEDEBridge/" + Version()
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// the request may be resent after an auth retry so never mutate it
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// TransportOptions tunes the transport used to reach concentrators.
type TransportOptions struct {
	// DialTimeout bounds connecting to a device. Zero uses 10s.
	DialTimeout time.Duration
	// SkipVerify accepts self-signed certificates on https addresses.
	SkipVerify bool
}

// DeviceTransport returns a transport for talking to many small devices, each
// seen briefly: one idle connection per host, short idle lifetime.
func DeviceTransport(opts TransportOptions) *http.Transport {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.MaxIdleConnsPerHost = 1
	t.IdleConnTimeout = 30 * time.Second
	if opts.SkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// HTTPClient returns an http client that identifies itself to concentrators.
// The timeout bounds the whole exchange including reading the body. A nil
// transport uses DeviceTransport with default options.
func HTTPClient(timeout time.Duration, transport http.RoundTripper) *http.Client {
	if transport == nil {
		transport = DeviceTransport(TransportOptions{})
	}
	return &http.Client{
		Transport: &userAgentTransport{
			transport: transport,
			userAgent: UserAgent(),
		},
		Timeout: timeout,
	}
}
