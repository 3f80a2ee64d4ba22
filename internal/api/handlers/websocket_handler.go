package handlers

import (
	"net/http"

	"auction-engine/internal/api/middleware"
	"auction-engine/internal/domain"
	"auction-engine/internal/infrastructure/websocket"
	"auction-engine/internal/services"
	"auction-engine/pkg/logger"

	"github.com/gorilla/mux"
)

type WebSocketHandlers struct {
	wsHandler *websocket.WebSocketHandler
	log       logger.Logger
}

func NewWebSocketHandlers(bidService *services.BidService, auctionManager *services.AuctionManager,
	connManager domain.ConnectionManager, log logger.Logger) *WebSocketHandlers {
	return &WebSocketHandlers{
		wsHandler: websocket.NewWebSocketHandler(bidService, auctionManager, connManager, log),
		log:       log,
	}
}

// Router serves the websocket endpoint. It is mounted under the echo server
// so that REST and websocket traffic share one port.
func (h *WebSocketHandlers) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.CORSWithLogging(h.log))
	router.HandleFunc("/ws/sessions/{sessionID}", h.wsHandler.HandleConnection).Methods(http.MethodGet)
	return router
}
