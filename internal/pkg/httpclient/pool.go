// Package httpclient provides a shared HTTP client pool.
//
// Provider adapters hit the same small set of upstream hosts on every send,
// so clients are cached per configuration and reuse one Transport connection
// pool instead of re-dialing per request.
package httpclient

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 32
	defaultIdleConnTimeout     = 90 * time.Second
)

// Options defines the build parameters for a shared client.
type Options struct {
	// Timeout is the whole-request timeout. Leave zero when callers bound
	// requests with a context deadline instead.
	Timeout               time.Duration
	ResponseHeaderTimeout time.Duration

	// Optional pool tuning; zero values fall back to the defaults above.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
}

var sharedClients sync.Map

// GetClient returns a shared client for opts, building it on first use.
// Identical options always return the same instance.
func GetClient(opts Options) *http.Client {
	key := buildClientKey(opts)
	if cached, ok := sharedClients.Load(key); ok {
		if client, ok := cached.(*http.Client); ok {
			return client
		}
	}

	client := buildClient(opts)
	actual, _ := sharedClients.LoadOrStore(key, client)
	if c, ok := actual.(*http.Client); ok {
		return c
	}
	return client
}

func buildClient(opts Options) *http.Client {
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	maxIdleConnsPerHost := opts.MaxIdleConnsPerHost
	if maxIdleConnsPerHost <= 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	idleConnTimeout := opts.IdleConnTimeout
	if idleConnTimeout <= 0 {
		idleConnTimeout = defaultIdleConnTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}
}

func buildClientKey(opts Options) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d|%s",
		opts.Timeout.String(),
		opts.ResponseHeaderTimeout.String(),
		opts.MaxIdleConns,
		opts.MaxIdleConnsPerHost,
		opts.MaxConnsPerHost,
		opts.IdleConnTimeout.String(),
	)
}
