package websocket

import (
	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
	"encoding/json"
	"sync"
)

// ConnectionManager is the in-process presence registry. A user may hold
// several connections to the same session.
type ConnectionManager struct {
	sessions map[string]map[domain.WebSocketConnection]struct{} // sessionID -> connections
	users    map[string]map[domain.WebSocketConnection]struct{} // userID -> connections
	mutex    sync.RWMutex
	log      logger.Logger
}

func NewConnectionManager(log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		sessions: make(map[string]map[domain.WebSocketConnection]struct{}),
		users:    make(map[string]map[domain.WebSocketConnection]struct{}),
		log:      log,
	}
}

func (cm *ConnectionManager) RegisterConnection(userID, sessionID string, conn domain.WebSocketConnection) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.sessions[sessionID] == nil {
		cm.sessions[sessionID] = make(map[domain.WebSocketConnection]struct{})
	}
	cm.sessions[sessionID][conn] = struct{}{}

	if cm.users[userID] == nil {
		cm.users[userID] = make(map[domain.WebSocketConnection]struct{})
	}
	cm.users[userID][conn] = struct{}{}

	cm.log.Info("Connection registered", "user_id", userID, "session_id", sessionID)
	return nil
}

func (cm *ConnectionManager) UnregisterConnection(conn domain.WebSocketConnection) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.removeLocked(conn)
	cm.log.Info("Connection unregistered", "user_id", conn.UserID(), "session_id", conn.SessionID())
	return nil
}

func (cm *ConnectionManager) CloseAndUnregisterConnections(sessionID string) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	for conn := range cm.sessions[sessionID] {
		if err := conn.Close(); err != nil {
			cm.log.Error("Failed to close connection", "user_id", conn.UserID(),
				"session_id", sessionID, "error", err)
		}
		cm.removeLocked(conn)
	}
	delete(cm.sessions, sessionID)

	cm.log.Info("Connections closed for session", "session_id", sessionID)
	return nil
}

func (cm *ConnectionManager) removeLocked(conn domain.WebSocketConnection) {
	if conns, ok := cm.sessions[conn.SessionID()]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(cm.sessions, conn.SessionID())
		}
	}
	if conns, ok := cm.users[conn.UserID()]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(cm.users, conn.UserID())
		}
	}
}

func (cm *ConnectionManager) GetConnectionsForSession(sessionID string) []domain.WebSocketConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	return collect(cm.sessions[sessionID])
}

func (cm *ConnectionManager) GetConnectionsForUser(userID string) []domain.WebSocketConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	return collect(cm.users[userID])
}

func (cm *ConnectionManager) CountForSession(sessionID string) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	return len(cm.sessions[sessionID])
}

// BroadcastToSession encodes once and sends to every connection. A failed
// send is logged and does not stop the others.
func (cm *ConnectionManager) BroadcastToSession(sessionID string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	connections := cm.GetConnectionsForSession(sessionID)
	for _, conn := range connections {
		if err := conn.Send(json.RawMessage(payload)); err != nil {
			cm.log.Error("Failed to send message", "user_id", conn.UserID(), "session_id", sessionID, "error", err)
		}
	}
	cm.log.Debug("Broadcast to session", "session_id", sessionID, "connections", len(connections))
	return nil
}

func (cm *ConnectionManager) NotifyUser(userID string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	for _, conn := range cm.GetConnectionsForUser(userID) {
		if err := conn.Send(json.RawMessage(payload)); err != nil {
			cm.log.Error("Failed to send message", "user_id", userID, "error", err)
		}
	}
	return nil
}

func collect(set map[domain.WebSocketConnection]struct{}) []domain.WebSocketConnection {
	if len(set) == 0 {
		return nil
	}
	out := make([]domain.WebSocketConnection, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}
