package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker holds the checks behind /healthz. Any nil check is skipped.
type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
	// Accounts returns the reader state per account id.
	Accounts func() map[string]string
}

// Handler returns the /healthz handler. It answers 503 when the store or an
// RPC source is unreachable, or when an account has stopped.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]any{"status": "ok"}
		code := http.StatusOK
		fail := func(key string) {
			status[key] = "fail"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				fail("db")
			} else {
				status["db"] = "ok"
			}
		}
		if checker.RPCPing != nil {
			if err := checker.RPCPing(ctx); err != nil {
				fail("rpc")
			} else {
				status["rpc"] = "ok"
			}
		}
		if checker.Accounts != nil {
			accounts := checker.Accounts()
			status["accounts"] = accounts
			for _, state := range accounts {
				if state == "failed" {
					status["status"] = "degraded"
					code = http.StatusServiceUnavailable
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Serve starts the health server on addr.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
