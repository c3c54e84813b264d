package observability

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/carnet/kit"
)

// HTTPLogEntry is one row destined for http_request_logs.
type HTTPLogEntry struct {
	Method     string
	Path       string
	StatusCode int
	DurationMs int64
	RequestID  string
	IPAddress  string
	UserAgent  string
	At         time.Time
}

// HTTPLogger batches admin API request logs into the observability database.
type HTTPLogger struct {
	db   *sql.DB
	ch   chan *HTTPLogEntry
	stop chan struct{}
	done chan struct{}
}

// NewHTTPLogger creates an async HTTP request logger. Recommended bufferSize: 256.
func NewHTTPLogger(db *sql.DB, bufferSize int) *HTTPLogger {
	h := &HTTPLogger{
		db:   db,
		ch:   make(chan *HTTPLogEntry, bufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go h.flushLoop()
	return h
}

// Middleware returns a handler wrapper that records method, path, status
// and duration after the response is written. The logged request ID is the
// one already in the context (shield.RequestID runs further out in the
// admin stack); a request that arrives without one gets a fresh ID so the
// row is still correlatable. Entries are queued; a full buffer drops the
// entry rather than blocking.
func (h *HTTPLogger) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := kit.GetRequestID(ctx)
			if requestID == "" {
				id := make([]byte, 8)
				rand.Read(id)
				requestID = hex.EncodeToString(id)
				ctx = kit.WithRequestID(ctx, requestID)
				w.Header().Set("X-Request-ID", requestID)
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r.WithContext(ctx))

			entry := &HTTPLogEntry{
				Method:     r.Method,
				Path:       r.URL.Path,
				StatusCode: sw.status,
				DurationMs: time.Since(start).Milliseconds(),
				RequestID:  requestID,
				IPAddress:  r.RemoteAddr,
				UserAgent:  r.UserAgent(),
				At:         time.Now(),
			}
			select {
			case h.ch <- entry:
			default:
			}
		})
	}
}

// Close drains queued entries and stops the flush goroutine.
func (h *HTTPLogger) Close() error {
	close(h.stop)
	<-h.done
	return nil
}

func (h *HTTPLogger) flushLoop() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			for {
				select {
				case e := <-h.ch:
					h.insert(e)
				default:
					return
				}
			}
		case e := <-h.ch:
			h.insert(e)
		}
	}
}

func (h *HTTPLogger) insert(e *HTTPLogEntry) {
	_, err := h.db.Exec(`
		INSERT INTO http_request_logs (
			method, path, status_code, duration_ms,
			request_id, ip_address, user_agent, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		e.Method, e.Path, e.StatusCode, e.DurationMs,
		e.RequestID, e.IPAddress, e.UserAgent, e.At.Unix())
	if err != nil {
		slog.Error("observability http log failed", "error", err, "path", e.Path)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
