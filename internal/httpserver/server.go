package httpserver

import (
	"net/http"
	"time"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 2 * time.Minute
	maxHeaderBytes    = 1 << 20 // 1 MiB

	// Setup listeners answer a single small GET.
	setupHeaderTimeout = 5 * time.Second
	setupWriteTimeout  = 10 * time.Second
	setupHeaderBytes   = 16 << 10
)

// NewWebServer returns an HTTP server with sensible timeouts for the control API.
// Websocket clients reset their own deadlines after the upgrade.
func NewWebServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
}

// NewSetupServer returns a server for a one-shot setup listener. Keep-alives
// are disabled so the confirming connection is closed once the payload is sent.
func NewSetupServer(handler http.Handler) *http.Server {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: setupHeaderTimeout,
		ReadTimeout:       setupHeaderTimeout,
		WriteTimeout:      setupWriteTimeout,
		IdleTimeout:       setupHeaderTimeout,
		MaxHeaderBytes:    setupHeaderBytes,
	}
	srv.SetKeepAlivesEnabled(false)
	return srv
}
