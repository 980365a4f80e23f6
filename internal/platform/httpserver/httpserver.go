// Package httpserver builds the process's single HTTP listener. It fronts
// the vendor webhook, the health probe and the metrics endpoint; webhook
// bodies are small JSON documents, so the limits below are deliberately
// tight.
package httpserver

import (
	"net/http"
	"time"
)

// New returns a server configured for short, small requests. Slow-header
// clients are cut off early and a vendor callback has ten seconds to deliver
// its payload.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    16 << 10,
	}
}
