package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalyst/internal/chat"
	"catalyst/internal/finance"
	"catalyst/internal/openai"
	"catalyst/internal/pricetarget"
	"catalyst/internal/storage"
	"catalyst/internal/util"
)

type scriptedCopilot struct {
	events []chat.Event
	seen   chan chat.Request
}

func (s *scriptedCopilot) Respond(_ context.Context, req chat.Request, emit openai.Emitter) error {
	if s.seen != nil {
		s.seen <- req
	}
	for _, e := range s.events {
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

var answer = []chat.Event{
	{Type: chat.EventThinking, Phase: "analyzing", Content: "Reading"},
	{Type: chat.EventMetadata, DataCards: []chat.DataCard{{ID: "chart-AAPL", Type: "chart", Data: map[string]any{"symbol": "AAPL", "timeRange": "1D"}}}},
	{Type: chat.EventChartBlock, CardID: "chart-AAPL"},
	{Type: chat.EventTextDelta, Content: "Apple closed higher on services strength."},
	{Type: chat.EventDone},
}

type fakeCharts struct{ err error }

func (f fakeCharts) Render(context.Context, string, string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("\x89PNG-fake"), nil
}

func (f fakeCharts) Data(_ context.Context, symbol, window string) (finance.ChartData, error) {
	if f.err != nil {
		return finance.ChartData{}, f.err
	}
	return finance.ChartData{Symbol: symbol, Range: window}, nil
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "srv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.InitSchema(context.Background(), db))
	return storage.NewStore(db)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(NewHTTPMux(Deps{}))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatSSE_EndToEndWithRecording(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SaveMessage(context.Background(), "conv-1", "user", "earlier question", time.Unix(1, 0)))
	cp := &scriptedCopilot{events: answer, seen: make(chan chat.Request, 1)}
	srv := httptest.NewServer(loggingMiddleware(NewHTTPMux(Deps{Copilot: cp, Conversations: store, HistoryLimit: 10}), util.Discard()))
	defer srv.Close()

	client := chat.NewClient(srv.URL+"/chat", srv.Client(), nil)
	msg, err := client.Stream(context.Background(), chat.Request{Message: "How did AAPL close?", ConversationID: "conv-1"})
	require.NoError(t, err)
	require.Len(t, msg.Blocks, 2)
	assert.Equal(t, chat.BlockChart, msg.Blocks[0].Type)
	assert.Equal(t, "AAPL", msg.Blocks[0].Data["symbol"])
	assert.Equal(t, "Apple closed higher on services strength.", msg.Blocks[1].Content)
	require.Len(t, msg.Thinking, 1)

	got := <-cp.seen
	assert.Equal(t, []chat.HistoryMessage{{Role: "user", Content: "earlier question"}}, got.ConversationHistory)

	// recording finishes after the stream is flushed
	var history []chat.HistoryMessage
	require.Eventually(t, func() bool {
		history, _ = store.FetchMessages(context.Background(), "conv-1", 0)
		return len(history) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "How did AAPL close?", history[1].Content)
	assert.Equal(t, "assistant", history[2].Role)
	assert.Equal(t, "Apple closed higher on services strength.", history[2].Content)
}

func TestChatSSE_BadRequests(t *testing.T) {
	srv := httptest.NewServer(NewHTTPMux(Deps{Copilot: &scriptedCopilot{}}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"message":"  "}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/chat")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestChatWebSocket(t *testing.T) {
	cp := &scriptedCopilot{events: answer}
	srv := httptest.NewServer(loggingMiddleware(NewHTTPMux(Deps{Copilot: cp}), util.Discard()))
	defer srv.Close()

	client := chat.NewClient("", nil, nil)
	msg, err := client.StreamWebSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws",
		chat.Request{Message: "How did AAPL close?"})
	require.NoError(t, err)
	require.Len(t, msg.Blocks, 2)
	assert.Equal(t, "Apple closed higher on services strength.", msg.Content)
}

func TestPriceTargetRoutes(t *testing.T) {
	store := newStore(t)
	srv := httptest.NewServer(NewHTTPMux(Deps{Targets: store}))
	defer srv.Close()

	body := `[{"analyst_firm":"Acme","price_target":120,"published_date":"2024-01-01"},
		{"analyst_firm":"acme","price_target":130,"published_date":"2024-02-01"},
		{"analyst_firm":"Beta","price_target":90,"published_date":"2024-01-15"}]`
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/price-targets/aapl", strings.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// the overlay client consumes the same route
	c := pricetarget.NewClient(srv.URL, srv.Client(), nil)
	targets, err := c.Fetch(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, 130.0, targets[0].PriceTarget)

	resp, err = http.Get(srv.URL + "/api/price-targets/MSFT")
	require.NoError(t, err)
	defer resp.Body.Close()
	var empty pricetarget.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	assert.Equal(t, "MSFT", empty.Symbol)
	assert.Empty(t, empty.Targets)
	assert.Nil(t, empty.Stats)

	bad, err := http.Get(srv.URL + "/api/price-targets/%24%24")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestChartRoutes(t *testing.T) {
	srv := httptest.NewServer(NewHTTPMux(Deps{Charts: fakeCharts{}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/chart/AAPL?range=5D")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, err = http.Get(srv.URL + "/api/chart/aapl/data?range=5D")
	require.NoError(t, err)
	defer resp.Body.Close()
	var data finance.ChartData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, "AAPL", data.Symbol)
	assert.Equal(t, "5D", data.Range)

	missing := httptest.NewServer(NewHTTPMux(Deps{Charts: fakeCharts{err: finance.ErrNoData}}))
	defer missing.Close()
	resp, err = http.Get(missing.URL + "/api/chart/ZZZ")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	broken := httptest.NewServer(NewHTTPMux(Deps{Charts: fakeCharts{err: errors.New("yahoo down")}}))
	defer broken.Close()
	resp, err = http.Get(broken.URL + "/api/chart/AAPL")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ListenAndServe(ctx, "127.0.0.1:0", NewHTTPMux(Deps{}), nil) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
