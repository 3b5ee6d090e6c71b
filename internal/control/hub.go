package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"probeflow/internal/domain"
	"probeflow/internal/events"
)

const writeWait = 10 * time.Second

type Controller interface {
	Enqueue(tt domain.TaskType, opts domain.Options) (string, error)
	StopAll() (queued, running int)
}

// StatusFunc builds the payload of a status reply.
type StatusFunc func(ctx context.Context) (any, error)

type Command struct {
	Action  string          `json:"action"`
	Task    domain.TaskType `json:"task,omitempty"`
	Options domain.Options  `json:"options,omitempty"`
}

type Message struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// StopCounts is the stop_all reply. The human-readable line arrives through
// the broadcast log.
type StopCounts struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Hub serves the WebSocket control channel. Every connection receives each
// lifecycle event as a log message and may issue run, stop_all and get_status.
type Hub struct {
	ctl      Controller
	status   StatusFunc
	bus      *events.Bus
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewHub(ctl Controller, status StatusFunc, bus *events.Bus, perSecond float64, burst int) *Hub {
	return &Hub{
		ctl:    ctl,
		status: status,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limit: rate.Limit(perSecond),
		burst: burst,
		conns: make(map[*conn]struct{}),
	}
}

func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.ws.Close()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	c := &conn{ws: ws, limiter: rate.NewLimiter(h.limit, h.burst)}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("remote", r.RemoteAddr).Msg("control client connected")

	feed, unsubscribe := h.bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range feed {
			if err := c.send(Message{Type: "log", Message: e.Line()}); err != nil {
				return
			}
		}
	}()

	h.readLoop(r.Context(), c)

	unsubscribe()
	<-done
	_ = ws.Close()
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	log.Info().Str("remote", r.RemoteAddr).Msg("control client disconnected")
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("control read")
			}
			return
		}
		if !c.limiter.Allow() {
			_ = c.send(Message{Type: "error", Message: "rate limit exceeded"})
			continue
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			_ = c.send(Message{Type: "error", Message: "invalid command: " + err.Error()})
			continue
		}
		if err := c.send(h.handle(ctx, cmd)); err != nil {
			return
		}
	}
}

func (h *Hub) handle(ctx context.Context, cmd Command) Message {
	switch cmd.Action {
	case "run":
		id, err := h.ctl.Enqueue(cmd.Task, cmd.Options)
		if err != nil {
			return errorMessage(err)
		}
		return Message{Type: "queued", TaskID: id}
	case "stop_all":
		queued, running := h.ctl.StopAll()
		return Message{Type: "stopped", Data: StopCounts{Queued: queued, Running: running}}
	case "get_status":
		data, err := h.status(ctx)
		if err != nil {
			return errorMessage(err)
		}
		return Message{Type: "status", Data: data}
	}
	return Message{Type: "error", Message: fmt.Sprintf("unknown action %q", cmd.Action)}
}

func errorMessage(err error) Message {
	if errors.Is(err, domain.ErrUnknownTaskType) {
		log.Warn().Err(err).Msg("control command rejected")
	} else {
		log.Error().Err(err).Msg("control command failed")
	}
	return Message{Type: "error", Message: err.Error()}
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws      *websocket.Conn
	limiter *rate.Limiter
	mu      sync.Mutex
}

func (c *conn) send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(m)
}
