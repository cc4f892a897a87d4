package server

import (
	"net/http"
	"time"

	"github.com/agentgate/agentgate/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// NewHTTPServer wraps the router in an *http.Server with the configured
// timeouts. With h2c enabled the handler speaks HTTP/2 over cleartext so
// clients can multiplex many concurrent sends on one connection.
func NewHTTPServer(router *gin.Engine, cfg *config.Config) *http.Server {
	var h http.Handler = router
	if cfg.Server.H2C.Enabled {
		h2s := &http2.Server{
			MaxConcurrentStreams: cfg.Server.H2C.MaxConcurrentStreams,
			IdleTimeout:          time.Duration(cfg.Server.H2C.IdleTimeout) * time.Second,
		}
		h = h2c.NewHandler(router, h2s)
	}
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           h,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
}

// ProviderSet provides the HTTP layer for wire.
var ProviderSet = wire.NewSet(
	NewRouter,
	NewHTTPServer,
)
