// Package httpclient builds the HTTP client shared by the provider adapters.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// Defaults match the upstream SDKs: long model calls may stream for minutes.
const (
	DefaultTimeout               = 600 * time.Second
	DefaultResponseHeaderTimeout = 600 * time.Second
	DefaultMaxIdleConnsPerHost   = 100
)

// Config tunes the client. Zero values take the package defaults.
type Config struct {
	// Timeout bounds a whole request, including reading the body.
	Timeout time.Duration

	// ResponseHeaderTimeout bounds the wait for the upstream's response headers.
	ResponseHeaderTimeout time.Duration

	// MaxIdleConnsPerHost caps keep-alive connections per provider host.
	MaxIdleConnsPerHost int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	return c
}

// New creates an HTTP client with pooled keep-alive connections.
func New(cfg Config) *http.Client {
	cfg = cfg.withDefaults()

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
