package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cryguy/offload"
	"github.com/cryguy/offload/internal/codecache"
	"github.com/cryguy/offload/internal/job"
)

const (
	maxWSMessageBytes = 1 << 20
	wsWriteTimeout    = 5 * time.Second
	wsPingInterval    = 30 * time.Second
)

// wsRequest is a client frame on /v1/ws.
type wsRequest struct {
	Op string `json:"op"` // "invoke" or "terminate"
	job.Request
}

// wsFrame is a server frame on /v1/ws.
type wsFrame struct {
	Type   string           `json:"type"` // progress, result, error, status
	ID     string           `json:"id,omitempty"`
	Status offload.Status   `json:"status,omitempty"`
	Data   *offload.Message `json:"data,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	Kind   string           `json:"kind,omitempty"`
}

// wsSession owns the connection's controller. A connection runs one
// call at a time; invoking a different task replaces the controller
// once the previous call has settled.
type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	ctx  context.Context
	log  *slog.Logger

	mu      sync.Mutex
	ctrl    *offload.Controller
	taskKey string
	current string // id of the call in flight
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxWSMessageBytes)
	wsSessions.Inc()
	defer wsSessions.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := &wsSession{
		srv:  s,
		conn: conn,
		ctx:  ctx,
		log:  s.logger.With("request_id", r.Header.Get("X-Request-Id"), "remote", r.RemoteAddr),
	}
	defer sess.teardown()

	go sess.keepAlive(cancel)

	for {
		var req wsRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				sess.log.Debug("websocket read ended", "error", err)
			}
			return
		}
		switch req.Op {
		case "invoke":
			sess.invoke(req.Request)
		case "terminate":
			sess.terminate()
		default:
			sess.send(wsFrame{Type: "error", Error: "unknown op " + req.Op})
		}
	}
}

func (ss *wsSession) keepAlive(cancel context.CancelFunc) {
	t := time.NewTicker(wsPingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, done := context.WithTimeout(ss.ctx, wsWriteTimeout)
			err := ss.conn.Ping(ctx)
			done()
			if err != nil {
				cancel()
				return
			}
		case <-ss.ctx.Done():
			return
		}
	}
}

func (ss *wsSession) send(f wsFrame) {
	ctx, cancel := context.WithTimeout(ss.ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ss.conn, f); err != nil {
		ss.log.Debug("websocket write failed", "type", f.Type, "error", err)
	}
}

func (ss *wsSession) invoke(req job.Request) {
	if err := req.Validate(); err != nil {
		ss.send(wsFrame{Type: "error", ID: req.ID, Error: err.Error(), Kind: offload.KindGeneration.String()})
		return
	}
	task := req.Task()
	key := codecache.Key(task)

	ss.mu.Lock()
	if ss.ctrl != nil && ss.taskKey != key {
		if ss.ctrl.Status() == offload.StatusRunning {
			ss.mu.Unlock()
			ss.send(wsFrame{Type: "error", ID: req.ID, Error: offload.ErrAlreadyRunning.Error(), Kind: offload.KindAlreadyRunning.String()})
			return
		}
		ss.ctrl.Stop()
		ss.ctrl = nil
	}
	if ss.ctrl == nil {
		ss.ctrl = ss.srv.engine.NewController(task, offload.Options{
			Timeout:    req.Timeout(),
			OnProgress: ss.onProgress,
		})
		ss.taskKey = key
	}
	ctrl := ss.ctrl
	call := ctrl.Go(req.ArgValues()...)
	if ctrl.Status() == offload.StatusRunning {
		ss.current = req.ID
	}
	ss.mu.Unlock()

	ss.send(wsFrame{Type: "status", ID: req.ID, Status: ctrl.Status()})
	go ss.await(req.ID, ctrl, call)
}

func (ss *wsSession) await(id string, ctrl *offload.Controller, call *offload.Call) {
	result, err := call.Result()
	ss.mu.Lock()
	if ss.current == id {
		ss.current = ""
	}
	ss.mu.Unlock()

	status := ctrl.Status()
	if err != nil {
		ss.send(wsFrame{Type: "error", ID: id, Status: status, Error: err.Error(), Kind: offload.KindOf(err).String()})
		return
	}
	ss.send(wsFrame{Type: "result", ID: id, Status: status, Result: result})
}

func (ss *wsSession) onProgress(m offload.Message) {
	ss.mu.Lock()
	id := ss.current
	ss.mu.Unlock()
	ss.send(wsFrame{Type: "progress", ID: id, Data: &m})
}

func (ss *wsSession) terminate() {
	ss.mu.Lock()
	ctrl := ss.ctrl
	ss.mu.Unlock()
	if ctrl != nil {
		ctrl.Terminate()
	}
}

func (ss *wsSession) teardown() {
	ss.mu.Lock()
	ctrl := ss.ctrl
	ss.ctrl = nil
	ss.mu.Unlock()
	if ctrl != nil {
		ctrl.Stop()
	}
}
