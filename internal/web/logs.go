package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogTail = 200
	maxLogTail     = 5000
)

// LogBuffer is a fixed-size ring of the newest log lines, served by
// /api/logs. It is a zapcore.WriteSyncer, so the process logger can tee
// into it with zapcore.NewCore.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []string
	next    int    // slot the next line goes into
	total   uint64 // lines ever appended
	pending []byte // trailing bytes not yet ended by '\n'
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{ring: make([]string, maxLines)}
}

// Write appends every complete line in p. A trailing fragment is held until
// a later Write ends it.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := p
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		line := rest[:i]
		if len(b.pending) > 0 {
			line = append(b.pending, line...)
			b.pending = nil
		}
		b.push(string(bytes.TrimRight(line, "\r")))
		rest = rest[i+1:]
	}
	b.pending = append(b.pending, rest...)
	return len(p), nil
}

func (b *LogBuffer) Sync() error { return nil }

func (b *LogBuffer) push(line string) {
	if line == "" {
		return
	}
	b.ring[b.next] = line
	b.next = (b.next + 1) % len(b.ring)
	b.total++
}

// Snapshot returns up to tail of the newest lines, oldest first, and how
// many lines have been overwritten so far.
func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := min(b.total, uint64(len(b.ring)))
	if tail <= 0 {
		tail = defaultLogTail
	}
	n := min(tail, int(held))
	lines = make([]string, n)
	for i := range lines {
		lines[i] = b.ring[(b.next-n+i+len(b.ring))%len(b.ring)]
	}
	return lines, b.total - held
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

// Handler serves GET /api/logs?tail=N[&format=text].
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		tail := defaultLogTail
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > maxLogTail {
				http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxLogTail), http.StatusBadRequest)
				return
			}
			tail = v
		}

		lines, dropped := b.Snapshot(tail)
		w.Header().Set("Cache-Control", "no-store")
		if !strings.EqualFold(q.Get("format"), "text") {
			writeJSON(w, http.StatusOK, LogsResponse{
				NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
				Dropped: dropped,
				Lines:   lines,
			})
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if dropped > 0 {
			_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
		}
		_, _ = fmt.Fprint(w, strings.Join(append(lines, ""), "\n"))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(b, '\n'))
}
