package http

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
)

// TransportConfig configures the registry transport.
type TransportConfig struct {
	// EnableHTTP2 enables HTTP/2 negotiation via ALPN (default: true)
	EnableHTTP2 bool

	// EnableHTTP3 tries HTTP/3 first for https URLs and falls back to TCP.
	EnableHTTP3 bool

	// Proxy is an explicit proxy URL; empty uses the environment.
	Proxy string

	// Insecure skips TLS certificate verification.
	Insecure bool

	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits total connections per host (0 is unlimited).
	MaxConnsPerHost int

	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
}

// DefaultTransportConfig returns default transport configuration
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		EnableHTTP2:           true,
		MaxIdleConnsPerHost:   16,
		DialTimeout:           10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// NewTransport creates an HTTP transport with configured protocol support
func NewTransport(config TransportConfig) (http.RoundTripper, error) {
	proxy := http.ProxyFromEnvironment
	if config.Proxy != "" {
		u, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", config.Proxy, err)
		}
		proxy = http.ProxyURL(u)
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: config.Insecure, //nolint:gosec // opt-in via network.insecure
	}

	transport := &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       tlsConfig,
	}

	if config.EnableHTTP2 {
		// Falls back to HTTP/1.1 if HTTP/2 configuration fails.
		_ = http2.ConfigureTransport(transport)
	}

	if config.EnableHTTP3 {
		return &http3Fallback{
			tcp: transport,
			quic: &http3.Transport{
				TLSClientConfig: tlsConfig.Clone(),
				QUICConfig:      &quic.Config{Allow0RTT: true},
			},
		}, nil
	}

	return transport, nil
}

// http3Fallback tries HTTP/3 for https requests and falls back to TCP.
type http3Fallback struct {
	tcp  http.RoundTripper
	quic *http3.Transport
}

// RoundTrip implements http.RoundTripper.
func (t *http3Fallback) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "https" {
		if resp, err := t.quic.RoundTrip(req); err == nil {
			return resp, nil
		}
	}
	return t.tcp.RoundTrip(req)
}

// Close closes the HTTP/3 transport
func (t *http3Fallback) Close() error {
	return t.quic.Close()
}

// ProtocolVersion returns the HTTP protocol version from response
func ProtocolVersion(resp *http.Response) string {
	switch resp.ProtoMajor {
	case 3:
		return "HTTP/3"
	case 2:
		return "HTTP/2"
	default:
		return "HTTP/1.1"
	}
}
