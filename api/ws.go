package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tulipex/tulipcore/internal/ledger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// wsMessage is one push frame. Topic is "orderStatus", "trades" or "book".
type wsMessage struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsMessage
}

// Hub fans the ledger change feed out to websocket subscribers. It rides
// the change feed rather than the event channel: the channel has exactly
// one consumer per group (the matching shard), and the feed only carries
// durable writes, so clients never see state that could be rolled back.
type Hub struct {
	store    *ledger.Store
	books    BookProvider
	symbol   string
	depthCap int
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub creates the push feed hub. Call Run before Serve.
func NewHub(store *ledger.Store, books BookProvider, symbol string, depthCap int, logger *zap.Logger) *Hub {
	return &Hub{
		store:    store,
		books:    books,
		symbol:   symbol,
		depthCap: depthCap,
		logger:   logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Run pumps ledger changes to subscribers until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	feed := h.store.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-feed:
			if !ok {
				h.closeAll()
				return
			}
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev ledger.ChangeEvent) {
	switch ev.Kind {
	case ledger.ChangeOrder:
		if ev.Order == nil {
			return
		}
		h.broadcast(wsMessage{Topic: "orderStatus", Payload: ev.Order.ToOrder()})
	case ledger.ChangeTrade:
		if ev.Trade == nil {
			return
		}
		h.broadcast(wsMessage{Topic: "trades", Payload: ev.Trade.ToTrade()})
	}

	if book, ok := h.books.Book(h.symbol); ok {
		bids, asks := book.Depth(h.depthCap)
		h.broadcast(wsMessage{Topic: "book", Payload: gin.H{
			"symbol": h.symbol,
			"bids":   bids,
			"asks":   asks,
		}})
	}
}

func (h *Hub) broadcast(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// Slow consumer. Drop it rather than stall the feed.
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Serve upgrades the connection and streams push frames.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan wsMessage, 64)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the feed is push-only. It exists to
// notice disconnects and answer pings.
func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
		client.conn.Close()
	}()

	client.conn.SetReadLimit(1024)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
