package domain

// WebSocket interfaces
type WebSocketConnection interface {
	Send(message interface{}) error
	Close() error
	UserID() string
	SessionID() string
}

// ConnectionManager is the presence registry for one process.
type ConnectionManager interface {
	RegisterConnection(userID, sessionID string, conn WebSocketConnection) error
	UnregisterConnection(conn WebSocketConnection) error
	GetConnectionsForSession(sessionID string) []WebSocketConnection
	GetConnectionsForUser(userID string) []WebSocketConnection
	CountForSession(sessionID string) int
	BroadcastToSession(sessionID string, message interface{}) error
	NotifyUser(userID string, message interface{}) error
	CloseAndUnregisterConnections(sessionID string) error
}
