package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shadertools/shadercompiled/internal/logging"
	"github.com/shadertools/shadercompiled/internal/serverloop"
)

// serveStatus runs a trivial plain-text status page until ctx is
// cancelled. It exists purely for operators to curl a running server;
// it is not part of the client-facing protocol.
func serveStatus(ctx context.Context, port int, srv *serverloop.Server) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, srv.StatusLine())
	})

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Warn("status", "status endpoint stopped: %v", err)
	}
}
