package services

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"monidesk/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// RunFeedEvent is one run-completion summary pushed to dashboard clients.
type RunFeedEvent struct {
	Type           string    `json:"type"`
	BusinessID     uint      `json:"business_id"`
	RuleID         uint      `json:"rule_id"`
	RunID          uint      `json:"run_id"`
	Status         string    `json:"status"`
	BlockedReason  string    `json:"blocked_reason,omitempty"`
	StepsSucceeded int       `json:"steps_succeeded"`
	StepsFailed    int       `json:"steps_failed"`
	Timestamp      time.Time `json:"timestamp"`
}

type runFeedClient struct {
	id         string
	businessID uint
	conn       *websocket.Conn
	send       chan RunFeedEvent
	hub        *RunFeedHub
}

// RunFeedHub streams run completions to connected websocket clients,
// scoped per business. The feed is one-way; client frames are discarded.
type RunFeedHub struct {
	clients    map[string]*runFeedClient
	broadcast  chan RunFeedEvent
	register   chan *runFeedClient
	unregister chan *runFeedClient
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var runFeedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the fronting proxy
	},
}

func NewRunFeedHub(logger *logrus.Logger) *RunFeedHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &RunFeedHub{
		clients:    make(map[string]*runFeedClient),
		broadcast:  make(chan RunFeedEvent, 64),
		register:   make(chan *runFeedClient),
		unregister: make(chan *runFeedClient),
		logger:     logger,
	}
}

// NotifyRun implements RunNotifier.
func (h *RunFeedHub) NotifyRun(run *models.AutomationRuleRun) {
	event := RunFeedEvent{
		Type:           "rule_run",
		BusinessID:     run.BusinessID,
		RuleID:         run.RuleID,
		RunID:          run.ID,
		Status:         run.Status,
		BlockedReason:  run.BlockedReason,
		StepsSucceeded: run.StepsSucceeded,
		StepsFailed:    run.StepsFailed,
		Timestamp:      time.Now(),
	}
	select {
	case h.broadcast <- event:
	default:
		// Feed is best-effort; drop rather than stall the orchestrator.
	}
}

func (h *RunFeedHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.Infof("run feed client %s connected", client.id)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.logger.Infof("run feed client %s disconnected", client.id)
			}
			h.mutex.Unlock()

		case event := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.businessID != event.BusinessID {
					continue
				}
				select {
				case client.send <- event:
				default:
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *RunFeedHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and attaches the client to the feed.
func (h *RunFeedHub) HandleWebSocket(c *gin.Context, businessID uint) {
	conn, err := runFeedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("run feed upgrade failed: %v", err)
		return
	}

	client := &runFeedClient{
		id:         fmt.Sprintf("feed_%d_%s", businessID, strconv.FormatInt(time.Now().UnixNano(), 36)),
		businessID: businessID,
		conn:       conn,
		send:       make(chan RunFeedEvent, 64),
		hub:        h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *runFeedClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		// One-way feed: frames from the client only keep the connection alive.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *runFeedClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
