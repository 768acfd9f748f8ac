package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by the state store and the redis client adapter.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// HTTPHandler reports 503 when any dependency fails its ping. nil pingers
// are skipped.
func HTTPHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), checks)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

func Check(ctx context.Context, checks map[string]Pinger) Status {
	st := Status{OK: true, Message: "ok"}
	for name, p := range checks {
		if p == nil {
			continue
		}
		if st.Checks == nil {
			st.Checks = make(map[string]bool, len(checks))
		}
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		err := p.Ping(pctx)
		cancel()
		st.Checks[name] = err == nil
		if err != nil {
			st.OK = false
			st.Message = name + " ping failed"
		}
	}
	return st
}
