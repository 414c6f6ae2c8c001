package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"catalyst/internal/chat"
	"catalyst/internal/finance"
	"catalyst/internal/openai"
	"catalyst/internal/pricetarget"
	"catalyst/internal/util"
)

// Responder produces the chat protocol events for one request.
type Responder interface {
	Respond(ctx context.Context, req chat.Request, emit openai.Emitter) error
}

// ConversationStore persists chat turns.
type ConversationStore interface {
	SaveMessage(ctx context.Context, conversationID, role, content string, ts time.Time) error
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]chat.HistoryMessage, error)
}

// TargetStore reads and writes analyst price targets.
type TargetStore interface {
	PriceTargets(ctx context.Context, symbol string) ([]pricetarget.PriceTarget, error)
	SavePriceTargets(ctx context.Context, targets []pricetarget.PriceTarget) error
}

// Charts renders chart images and chart data.
type Charts interface {
	Render(ctx context.Context, symbol, window string) ([]byte, error)
	Data(ctx context.Context, symbol, window string) (finance.ChartData, error)
}

// Deps are the handlers' collaborators. Nil optional deps disable their routes.
type Deps struct {
	Copilot       Responder
	Conversations ConversationStore
	Targets       TargetStore
	Charts        Charts
	Webhook       http.HandlerFunc
	HistoryLimit  int
	Log           *slog.Logger
}

type handlers struct {
	Deps
	log *slog.Logger
}

func NewHTTPMux(d Deps) *http.ServeMux {
	log := d.Log
	if log == nil {
		log = util.Discard()
	}
	h := &handlers{Deps: d, log: log.With("component", "http")}

	mux := http.NewServeMux()
	if d.Webhook != nil {
		mux.HandleFunc("/telegram/webhook", d.Webhook)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })
	if d.Copilot != nil {
		mux.HandleFunc("POST /chat", h.handleChatSSE)
		mux.HandleFunc("GET /chat/ws", h.handleChatWS)
	}
	if d.Targets != nil {
		mux.HandleFunc("GET /api/price-targets/{symbol}", h.handleGetTargets)
		mux.HandleFunc("PUT /api/price-targets/{symbol}", h.handlePutTargets)
	}
	if d.Charts != nil {
		mux.HandleFunc("GET /api/chart/{symbol}", h.handleChartImage)
		mux.HandleFunc("GET /api/chart/{symbol}/data", h.handleChartData)
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	if log == nil {
		log = util.Discard()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(handler, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	log.Info("http: listening", "addr", addr)

	select {
	case <-ctx.Done():
		log.Info("http: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return hj.Hijack()
}

func (w *responseWrapper) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapper.statusCode,
			"duration", time.Since(start),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
