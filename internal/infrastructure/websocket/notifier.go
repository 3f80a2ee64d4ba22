package websocket

import (
	"auction-engine/internal/domain"
	"context"
)

// WebSocketNotifier adapts the presence registry to the context-aware
// notification interfaces used by the fan-out.
type WebSocketNotifier struct {
	connManager domain.ConnectionManager
}

func NewWebSocketNotifier(connManager domain.ConnectionManager) *WebSocketNotifier {
	return &WebSocketNotifier{connManager: connManager}
}

func (n *WebSocketNotifier) NotifyUser(ctx context.Context, userID string, message interface{}) error {
	return n.connManager.NotifyUser(userID, message)
}

func (n *WebSocketNotifier) BroadcastToSession(ctx context.Context, sessionID string, message interface{}) error {
	return n.connManager.BroadcastToSession(sessionID, message)
}
