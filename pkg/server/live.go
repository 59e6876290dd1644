package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nsdb-io/nsdb/pkg/engine"
	"github.com/nsdb-io/nsdb/pkg/httpx"
	"github.com/nsdb-io/nsdb/pkg/index"
	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/planner"
	"github.com/nsdb-io/nsdb/pkg/sql"
	"github.com/nsdb-io/nsdb/pkg/statement"
)

const (
	wsWriteDeadline = 10 * time.Second
	wsReadDeadline  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a direct, non-browser client.
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// subscription is one registered live query: flushed records of the
// subscribed metric that match the planned condition are pushed to the
// connection.
type subscription struct {
	db        string
	namespace string
	metric    string
	cond      index.Query
}

// LiveHub fans flushed records out to live query subscribers.
type LiveHub struct {
	log    zerolog.Logger
	engine *engine.Engine

	mu   sync.Mutex
	subs map[*websocket.Conn][]*subscription
}

// NewLiveHub creates the hub and hooks it into the engine's flush
// notifications.
func NewLiveHub(e *engine.Engine, log zerolog.Logger) *LiveHub {
	h := &LiveHub{
		log:    log.With().Str("component", "live").Logger(),
		engine: e,
		subs:   make(map[*websocket.Conn][]*subscription),
	}
	e.OnFlush(h.onFlush)
	return h
}

// liveRequest is what a client sends to register a live query.
type liveRequest struct {
	DB        string `json:"db"`
	Namespace string `json:"namespace"`
	Statement string `json:"statement"`
}

// liveUpdate is pushed for every flushed batch with matching records.
type liveUpdate struct {
	Metric  string      `json:"metric"`
	Records []model.Bit `json:"records"`
}

func (h *LiveHub) onFlush(db, namespace, metric string, bits []*model.Bit) {
	h.mu.Lock()
	type push struct {
		conn   *websocket.Conn
		update liveUpdate
	}
	var pushes []push
	for conn, subs := range h.subs {
		for _, sub := range subs {
			if sub.db != db || sub.namespace != namespace || sub.metric != metric {
				continue
			}
			var matched []model.Bit
			for _, b := range bits {
				if sub.cond.Matches(b) {
					matched = append(matched, *b)
				}
			}
			if len(matched) > 0 {
				pushes = append(pushes, push{conn: conn, update: liveUpdate{Metric: metric, Records: matched}})
			}
		}
	}
	h.mu.Unlock()

	for _, p := range pushes {
		_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		if err := p.conn.WriteJSON(p.update); err != nil {
			h.log.Debug().Err(err).Msg("dropping dead live subscriber")
			h.drop(p.conn)
		}
	}
}

func (h *LiveHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.subs, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// subscribe plans the SELECT's condition against the metric's current
// schema and registers the subscription.
func (h *LiveHub) subscribe(conn *websocket.Conn, req liveRequest) error {
	stmt, err := sql.Parse(req.DB, req.Namespace, req.Statement)
	if err != nil {
		return err
	}
	sel, ok := stmt.(*statement.SelectStatement)
	if !ok {
		return &planner.PlanError{Msg: "live queries must be SELECT statements"}
	}
	sch, err := h.engine.GetSchema(req.DB, req.Namespace, sel.Metric)
	if err != nil {
		return err
	}
	cond, err := planner.PlanCondition(sel.Condition, sch, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.subs[conn] = append(h.subs[conn], &subscription{
		db:        req.DB,
		namespace: req.Namespace,
		metric:    sel.Metric,
		cond:      cond,
	})
	h.mu.Unlock()
	return nil
}

// HandleWS upgrades the connection and reads subscription requests
// until the client goes away.
func (h *LiveHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer h.drop(conn)

	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		var req liveRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.writeError(conn, err)
			continue
		}
		if err := h.subscribe(conn, req); err != nil {
			h.writeError(conn, err)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		_ = conn.WriteJSON(map[string]string{"subscribed": req.Statement})
	}
}

func (h *LiveHub) writeError(conn *websocket.Conn, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	_ = conn.WriteJSON(httpx.ErrorResponse{Error: err.Error()})
}
