package main

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/austindbirch/tonerelay/internal/channel"
	"github.com/austindbirch/tonerelay/internal/config"
	"github.com/austindbirch/tonerelay/internal/logging"
)

// receiver stands in for webhook endpoints and the Pushover API during
// local runs and end-to-end checks.
type receiver struct {
	cfg      config.FakeReceiver
	log      *logging.Logger
	requests atomic.Int64
	now      func() time.Time
}

func newReceiver(cfg config.FakeReceiver, log *logging.Logger) *receiver {
	if cfg.FailStatus == 0 {
		cfg.FailStatus = http.StatusServiceUnavailable
	}
	return &receiver{cfg: cfg, log: log, now: time.Now}
}

func (rv *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/hook", rv.handleHook)
	r.Post("/1/messages.json", rv.handlePush)
	r.Get("/1/receipts/{receipt}.json", rv.handleReceipt)
	r.Post("/1/receipts/{receipt}/cancel.json", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": 1})
	})
	return r
}

// failing consumes one request slot and reports whether it falls within
// the configured failure window.
func (rv *receiver) failing() (int64, bool) {
	n := rv.requests.Add(1)
	return n, n <= int64(rv.cfg.FailFirstN)
}

func (rv *receiver) delay() {
	if rv.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rv.cfg.ResponseDelayMS) * time.Millisecond)
	}
}

func (rv *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	entry := rv.log.WithContext(r.Context()).WithTask(r.Header.Get(channel.TaskHeader)).
		WithField("attempt", r.Header.Get(channel.AttemptHeader)).
		WithField("bytes", len(body))

	if rv.cfg.EndpointSecret != "" {
		ok, msg := verifySignature(rv.cfg.EndpointSecret, body,
			r.Header.Get(channel.TimestampHeader), r.Header.Get(channel.SignatureHeader),
			time.Duration(rv.cfg.SigningLeewaySeconds)*time.Second, rv.now())
		if !ok {
			entry.WithField("reason", msg).Warn("Rejected webhook")
			http.Error(w, msg, http.StatusUnauthorized)
			return
		}
	}

	rv.delay()
	if n, fail := rv.failing(); fail {
		entry.WithField("request", n).Infof("Failing webhook with %d", rv.cfg.FailStatus)
		http.Error(w, "simulated failure", rv.cfg.FailStatus)
		return
	}

	entry.WithField("preview", truncate(string(body), 200)).Info("Received webhook")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (rv *receiver) handlePush(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 0, "errors": []string{"invalid form"}})
		return
	}
	var missing []string
	for _, field := range []string{"token", "user", "message"} {
		if r.PostForm.Get(field) == "" {
			missing = append(missing, field+" is required")
		}
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 0, "errors": missing})
		return
	}

	rv.delay()
	entry := rv.log.WithContext(r.Context()).WithDestination(r.PostForm.Get("user")).WithField("title", r.PostForm.Get("title"))
	if n, fail := rv.failing(); fail {
		entry.WithField("request", n).Infof("Failing push with %d", rv.cfg.FailStatus)
		writeJSON(w, rv.cfg.FailStatus, map[string]any{"status": 0, "errors": []string{"simulated failure"}})
		return
	}

	resp := map[string]any{"status": 1, "request": uuid.NewString()}
	if p, _ := strconv.Atoi(r.PostForm.Get("priority")); p >= 2 {
		resp["receipt"] = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	entry.WithField("priority", r.PostForm.Get("priority")).Info("Received push")
	writeJSON(w, http.StatusOK, resp)
}

// handleReceipt acknowledges every emergency receipt on first poll.
func (rv *receiver) handleReceipt(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          1,
		"acknowledged":    1,
		"acknowledged_at": rv.now().Unix(),
		"request":         chi.URLParam(r, "receipt"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// verifySignature checks a sha256=<hex> signature over body||ts and rejects
// timestamps outside leeway of now.
func verifySignature(secret string, body []byte, ts, sig string, leeway time.Duration, now time.Time) (bool, string) {
	if ts == "" || sig == "" {
		return false, "missing headers"
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "bad timestamp"
	}
	if abs64(now.Unix()-sec) > int64(leeway.Seconds()) {
		return false, "timestamp outside leeway"
	}
	hexSig, ok := strings.CutPrefix(sig, "sha256=")
	if !ok {
		return false, "bad signature format"
	}
	if !hmac.Equal([]byte(hexSig), []byte(channel.Sign(secret, body, ts))) {
		return false, "signature mismatch"
	}
	return true, ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-receiver")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	rv := newReceiver(cfg.FakeReceiver, logger)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rv.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"signed":       cfg.FakeReceiver.EndpointSecret != "",
	}).Info("Fake receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("Fake receiver failed")
	}
}
