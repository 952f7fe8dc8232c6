package metrics

import (
	"context"
	"net/http"
	"net/http/pprof"

	"github.com/m-lab/go/httpx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m-lab/relay-throughput/logging"
)

// ServeAsync serves /metrics and /debug/pprof/ on addr until ctx is done.
// The returned server's Addr holds the address actually bound.
func ServeAsync(ctx context.Context, addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    addr,
		Handler: logging.MakeAccessLogHandler(mux),
	}
	if err := httpx.ListenAndServeAsync(srv); err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return srv, nil
}
