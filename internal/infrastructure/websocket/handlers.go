package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/internal/services"
	"auction-engine/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	commandTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is what bidders send over the socket. Amounts travel as
// strings so that no precision is lost in JSON numbers.
type clientMessage struct {
	Type             string `json:"type"`
	Amount           string `json:"amount,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type WebSocketHandler struct {
	bidService     *services.BidService
	auctionManager *services.AuctionManager
	connManager    domain.ConnectionManager
	log            logger.Logger
}

func NewWebSocketHandler(bidService *services.BidService, auctionManager *services.AuctionManager,
	connManager domain.ConnectionManager, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		bidService:     bidService,
		auctionManager: auctionManager,
		connManager:    connManager,
		log:            log,
	}
}

// HandleConnection joins the user to the session, pushes a snapshot and
// then streams session events until either side hangs up.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}

	if _, err := h.auctionManager.GetSnapshot(r.Context(), sessionID); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		h.log.Error("Failed to load session", "session_id", sessionID, "error", err)
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	wsConn := NewWebSocketConnection(conn, userID, sessionID, h.log)
	go wsConn.writePump()

	if err := h.connManager.RegisterConnection(userID, sessionID, wsConn); err != nil {
		h.log.Error("Failed to register connection", "error", err)
		wsConn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	res, err := h.bidService.Join(ctx, sessionID, userID)
	cancel()
	if err != nil {
		h.log.Error("Failed to join session", "session_id", sessionID, "user_id", userID, "error", err)
		wsConn.Send(map[string]string{"type": "error", "message": "failed to join session"})
		h.connManager.UnregisterConnection(wsConn)
		wsConn.Close()
		return
	}
	wsConn.Send(map[string]interface{}{"type": "snapshot", "snapshot": res.Snapshot})

	go h.handleMessages(wsConn)
}

func (h *WebSocketHandler) handleMessages(conn *WebSocketConnection) {
	defer func() {
		h.connManager.UnregisterConnection(conn)
		conn.Close()
	}()

	conn.conn.SetReadLimit(maxMessageSize)
	conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("Unexpected websocket close", "user_id", conn.userID, "error", err)
			}
			return
		}

		switch msg.Type {
		case "place_bid":
			h.handleBidMessage(conn, msg)
		case "buy_now":
			h.handleBuyNowMessage(conn, msg)
		case "leave":
			h.handleLeaveMessage(conn)
			return
		case "ping":
			conn.Send(map[string]string{"type": "pong"})
		default:
			conn.Send(map[string]string{"type": "error", "message": "unknown message type"})
		}
	}
}

func (h *WebSocketHandler) handleBidMessage(conn *WebSocketConnection, msg clientMessage) {
	amount, err := decimal.NewFromString(msg.Amount)
	if err != nil {
		conn.Send(map[string]string{"type": "error", "message": "invalid amount format"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := h.bidService.PlaceBid(ctx, conn.sessionID, conn.userID, amount, msg.IdempotencyToken)
	h.reply(conn, res, err)
}

func (h *WebSocketHandler) handleBuyNowMessage(conn *WebSocketConnection, msg clientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := h.bidService.BuyNow(ctx, conn.sessionID, conn.userID, msg.IdempotencyToken)
	h.reply(conn, res, err)
}

func (h *WebSocketHandler) handleLeaveMessage(conn *WebSocketConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := h.bidService.Leave(ctx, conn.sessionID, conn.userID); err != nil {
		h.log.Error("Failed to leave session", "session_id", conn.sessionID, "user_id", conn.userID, "error", err)
	}
}

func (h *WebSocketHandler) reply(conn *WebSocketConnection, res *domain.Result, err error) {
	if err != nil {
		message := "command failed"
		switch {
		case errors.Is(err, domain.ErrDependencyUnavailable):
			message = "dependency unavailable"
		case errors.Is(err, domain.ErrInvalidCommand):
			message = err.Error()
		}
		conn.Send(map[string]string{"type": "error", "message": message})
		return
	}
	conn.Send(map[string]interface{}{"type": "bid_result", "result": res})
}

// WebSocketConnection owns one socket. All writes go through its send
// buffer and a single writer goroutine.
type WebSocketConnection struct {
	conn      *websocket.Conn
	userID    string
	sessionID string
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	log       logger.Logger
}

func NewWebSocketConnection(conn *websocket.Conn, userID, sessionID string, log logger.Logger) *WebSocketConnection {
	return &WebSocketConnection{
		conn:      conn,
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan []byte, sendBufferSize),
		closed:    make(chan struct{}),
		log:       log,
	}
}

// Send queues a message. A client that cannot keep up is disconnected and
// resynchronizes from the snapshot it gets on reconnect.
func (wsc *WebSocketConnection) Send(message interface{}) error {
	var payload []byte
	switch m := message.(type) {
	case json.RawMessage:
		payload = m
	case []byte:
		payload = m
	default:
		var err error
		if payload, err = json.Marshal(message); err != nil {
			return err
		}
	}

	select {
	case <-wsc.closed:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case wsc.send <- payload:
		return nil
	case <-wsc.closed:
		return websocket.ErrCloseSent
	default:
		wsc.log.Warn("Dropping slow websocket client", "user_id", wsc.userID, "session_id", wsc.sessionID)
		wsc.Close()
		return errors.New("send buffer full")
	}
}

func (wsc *WebSocketConnection) Close() error {
	var err error
	wsc.closeOnce.Do(func() {
		close(wsc.closed)
		err = wsc.conn.Close()
	})
	return err
}

func (wsc *WebSocketConnection) UserID() string {
	return wsc.userID
}

func (wsc *WebSocketConnection) SessionID() string {
	return wsc.sessionID
}

func (wsc *WebSocketConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsc.Close()
	}()

	for {
		select {
		case payload := <-wsc.send:
			wsc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			wsc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-wsc.closed:
			return
		}
	}
}
