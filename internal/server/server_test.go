package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cryguy/offload"
	"github.com/cryguy/offload/internal/job"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := offload.NewRegistry()
	offload.MustRegisterIn(reg, "double", func(ctx context.Context, args []json.RawMessage, emit offload.Emitter) (any, error) {
		var n int
		if err := json.Unmarshal(args[0], &n); err != nil {
			return nil, err
		}
		_ = emit.Progress(n)
		return n * 2, nil
	})
	offload.MustRegisterIn(reg, "block", func(ctx context.Context, _ []json.RawMessage, _ offload.Emitter) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	offload.MustRegisterIn(reg, "fail", func(context.Context, []json.RawMessage, offload.Emitter) (any, error) {
		return nil, errors.New("boom")
	})

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng, err := offload.NewEngine(offload.EngineConfig{Logger: logger, Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Shutdown)
	return NewServer(":0", eng, logger)
}

func postInvoke(t *testing.T, url string, body string) (int, job.Response) {
	t.Helper()
	resp, err := http.Post(url+"/v1/invoke", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/invoke: %v", err)
	}
	defer resp.Body.Close()
	var out job.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" || body.Backend != offload.Backend {
		t.Errorf("healthz = %d %+v", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	postInvoke(t, ts.URL, `{"name":"double","args":[1]}`)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"offload_http_requests_total", "offload_calls_total"} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}

func TestInvokeNative(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	code, resp := postInvoke(t, ts.URL, `{"id":"r1","name":"double","args":[21]}`)
	if code != http.StatusOK || resp.Status != offload.StatusSuccess || string(resp.Result) != "42" {
		t.Fatalf("invoke = %d %+v", code, resp)
	}
	if resp.ID != "r1" || len(resp.Progress) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInvokeScript(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	code, resp := postInvoke(t, ts.URL, `{"source":"(a, b) => a + b","args":[1,2],"timeout_ms":5000}`)
	if code != http.StatusOK || string(resp.Result) != "3" {
		t.Fatalf("invoke = %d %+v", code, resp)
	}
}

func TestInvokeErrors(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"runtime failure", `{"name":"fail"}`, http.StatusUnprocessableEntity},
		{"timeout", `{"name":"block","timeout_ms":50}`, http.StatusGatewayTimeout},
		{"generation failure", `{"source":"(a, b) =>"}`, http.StatusBadRequest},
		{"unregistered task", `{"name":"nope"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := postInvoke(t, ts.URL, tt.body)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d (%+v)", code, tt.wantCode, resp)
			}
			if resp.Error == "" {
				t.Error("missing error text")
			}
		})
	}
}

func TestInvokeBadRequest(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	for _, body := range []string{`not json`, `{}`} {
		resp, err := http.Post(ts.URL+"/v1/invoke", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, resp.StatusCode)
		}
	}
}

func dialWS(t *testing.T, ts *httptest.Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) (wsFrame, []wsFrame) {
	t.Helper()
	var seen []wsFrame
	for {
		var f wsFrame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("reading frame (seen %+v): %v", seen, err)
		}
		if f.Type == typ {
			return f, seen
		}
		seen = append(seen, f)
	}
}

func TestWebSocketInvoke(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()
	conn, ctx := dialWS(t, ts)

	if err := wsjson.Write(ctx, conn, map[string]any{"op": "invoke", "id": "a", "name": "double", "args": []int{4}}); err != nil {
		t.Fatal(err)
	}
	res, seen := readUntil(t, ctx, conn, "result")
	if res.ID != "a" || string(res.Result) != "8" || res.Status != offload.StatusSuccess {
		t.Errorf("result frame = %+v", res)
	}
	var progress int
	for _, f := range seen {
		if f.Type == "progress" {
			progress++
		}
	}
	if progress != 1 {
		t.Errorf("progress frames = %d, frames = %+v", progress, seen)
	}
}

func TestWebSocketTerminate(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()
	conn, ctx := dialWS(t, ts)

	if err := wsjson.Write(ctx, conn, map[string]any{"op": "invoke", "id": "slow", "name": "block"}); err != nil {
		t.Fatal(err)
	}
	st, _ := readUntil(t, ctx, conn, "status")
	if st.Status != offload.StatusRunning {
		t.Fatalf("status frame = %+v", st)
	}

	if err := wsjson.Write(ctx, conn, map[string]any{"op": "invoke", "id": "second", "name": "double", "args": []int{1}}); err != nil {
		t.Fatal(err)
	}
	busy, _ := readUntil(t, ctx, conn, "error")
	if busy.ID != "second" || busy.Kind != offload.KindAlreadyRunning.String() {
		t.Errorf("busy frame = %+v", busy)
	}

	if err := wsjson.Write(ctx, conn, map[string]any{"op": "terminate"}); err != nil {
		t.Fatal(err)
	}
	cancelled, _ := readUntil(t, ctx, conn, "error")
	if cancelled.ID != "slow" || cancelled.Kind != offload.KindCancelled.String() || cancelled.Status != offload.StatusPending {
		t.Errorf("cancel frame = %+v", cancelled)
	}
}
