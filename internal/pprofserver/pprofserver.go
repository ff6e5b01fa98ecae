package pprofserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
)

func newServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	return mux
}

// Launch starts a pprof server on the loopback address with the given port so
// that the profiling endpoints are never exposed to the outside world. It runs
// in a background goroutine for the lifetime of the process.
func Launch(port string, logger *slog.Logger) {
	go func() {
		addr := fmt.Sprintf("[::1]%s", port)
		logger.Info("starting pprof server", "addr", addr)
		server := &http.Server{Addr: addr, Handler: newServeMux()}
		if err := server.ListenAndServe(); err != nil {
			logger.Error("pprof server stopped", "error", err)
		}
	}()
}
