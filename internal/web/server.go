package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ledcfade/internal/fade"
)

// FadeRequest is the body of POST /api/channels/{ch}/fade. Exactly one of
// Target (raw duty) and TargetPct must be set.
type FadeRequest struct {
	Target     *uint32  `json:"target,omitempty"`
	TargetPct  *float64 `json:"target_pct,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

func Handler(status *Status, eng Engine, logs *LogBuffer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/channels/{ch}/fade", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if eng == nil {
			http.Error(w, "engine unavailable", http.StatusNotFound)
			return
		}
		ch, ok := channelParam(w, r)
		if !ok {
			return
		}
		var req FadeRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
			return
		}
		target, err := req.target(eng.MaxDuty())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.DurationMS < 0 {
			http.Error(w, "duration_ms must be >= 0", http.StatusBadRequest)
			return
		}
		if err := eng.StartFade(ch, target, time.Duration(req.DurationMS)*time.Millisecond); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "channel": ch, "target": target})
	})

	mux.HandleFunc("/api/channels/{ch}/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if eng == nil {
			http.Error(w, "engine unavailable", http.StatusNotFound)
			return
		}
		ch, ok := channelParam(w, r)
		if !ok {
			return
		}
		if err := eng.StopFade(ch); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "channel": ch})
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>ledcfade</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>ledcfade</h1><p>See <a href=\"/api/status\">/api/status</a> and <a href=\"/api/logs?format=text\">/api/logs</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>backend=%s\nticks=%d\nmax_lag=%s\n", snap.Backend, snap.Ticker.Ticks, snap.Ticker.MaxLag)
		for _, c := range snap.Channels {
			_, _ = fmt.Fprintf(w, "ch%d duty=%d (%.1f%%) active=%v generation=%d\n", c.Channel, c.Duty, c.DutyPct, c.Active, c.Generation)
		}
		_, _ = fmt.Fprintf(w, "</pre></body></html>")
	})

	return mux
}

func (req FadeRequest) target(max uint32) (uint32, error) {
	switch {
	case req.Target != nil && req.TargetPct != nil:
		return 0, errors.New("set only one of target and target_pct")
	case req.Target != nil:
		return *req.Target, nil
	case req.TargetPct != nil:
		p := *req.TargetPct
		if p < 0 || p > 100 {
			return 0, errors.New("target_pct must be in [0,100]")
		}
		return uint32(float64(max)*p/100 + 0.5), nil
	}
	return 0, errors.New("target or target_pct is required")
}

func channelParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	ch, err := strconv.Atoi(r.PathValue("ch"))
	if err != nil {
		http.Error(w, "channel must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return ch, true
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fade.ErrInvalidChannel):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, fade.ErrInvalidDuty), errors.Is(err, fade.ErrInvalidDuration):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Serve runs the HTTP API until ctx is canceled.
func Serve(ctx context.Context, listenAddr string, status *Status, eng Engine, logs *LogBuffer, log *zap.Logger) error {
	if status == nil {
		status = NewStatus(eng, nil)
	}
	if log == nil {
		log = zap.NewNop()
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(status, eng, logs),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("web listening", zap.String("addr", listenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
