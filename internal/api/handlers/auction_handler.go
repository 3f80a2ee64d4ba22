package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/internal/services"
	"auction-engine/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type AuctionHandler struct {
	auctionManager *services.AuctionManager
	bidService     *services.BidService
	log            logger.Logger
}

type CreateSessionRequest struct {
	ItemID          string              `json:"item_id"`
	SellerID        string              `json:"seller_id"`
	StartingBid     decimal.Decimal     `json:"starting_bid"`
	BuyNowPrice     decimal.NullDecimal `json:"buy_now_price"`
	BidIncrement    decimal.Decimal     `json:"bid_increment"`
	RequiredDeposit decimal.Decimal     `json:"required_deposit"`
	ScheduledStart  time.Time           `json:"scheduled_start"`
	ScheduledEnd    time.Time           `json:"scheduled_end"`
}

type CreateSessionResponse struct {
	SessionID       string               `json:"session_id"`
	Status          domain.SessionStatus `json:"status"`
	StartingBid     decimal.Decimal      `json:"starting_bid"`
	BidIncrement    decimal.Decimal      `json:"bid_increment"`
	BuyNowPrice     decimal.NullDecimal  `json:"buy_now_price"`
	RequiredDeposit decimal.Decimal      `json:"required_deposit"`
	ScheduledStart  time.Time            `json:"scheduled_start"`
	ScheduledEnd    time.Time            `json:"scheduled_end"`
}

type ActorRequest struct {
	ActorID string `json:"actor_id"`
}

type UserRequest struct {
	UserID string `json:"user_id"`
}

type PlaceBidRequest struct {
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	IdempotencyToken string          `json:"idempotency_token"`
}

type BuyNowRequest struct {
	UserID           string `json:"user_id"`
	IdempotencyToken string `json:"idempotency_token"`
}

type DepositRequest struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	HasDeposit bool   `json:"has_deposit"`
}

type RejectionResponse struct {
	Reason   domain.RejectReason `json:"reason"`
	Snapshot *domain.Snapshot    `json:"snapshot,omitempty"`
}

func NewAuctionHandler(auctionManager *services.AuctionManager, bidService *services.BidService,
	log logger.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctionManager: auctionManager,
		bidService:     bidService,
		log:            log,
	}
}

// Register mounts the REST routes on g.
func (h *AuctionHandler) Register(g *echo.Group) {
	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions/:id", h.GetSession)
	g.POST("/sessions/:id/verify", h.VerifySession)
	g.POST("/sessions/:id/cancel", h.CancelSession)
	g.POST("/sessions/:id/join", h.Join)
	g.POST("/sessions/:id/leave", h.Leave)
	g.POST("/sessions/:id/bids", h.PlaceBid)
	g.GET("/sessions/:id/bids", h.ListBids)
	g.POST("/sessions/:id/buy-now", h.BuyNow)
	g.GET("/sessions/:id/events", h.ListEvents)
	g.GET("/users/:id/participations", h.ListParticipations)
	g.POST("/deposits", h.RecordDeposit)
}

func (h *AuctionHandler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		h.log.Debug("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	session, err := h.auctionManager.CreateSession(c.Request().Context(), services.CreateSessionRequest{
		ItemID:          req.ItemID,
		SellerID:        req.SellerID,
		StartingBid:     req.StartingBid,
		BuyNowPrice:     req.BuyNowPrice,
		BidIncrement:    req.BidIncrement,
		RequiredDeposit: req.RequiredDeposit,
		ScheduledStart:  req.ScheduledStart,
		ScheduledEnd:    req.ScheduledEnd,
	})
	if err != nil {
		return h.fail(c, "create session", err)
	}

	return c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID:       session.ID,
		Status:          session.Status,
		StartingBid:     session.StartingBid,
		BidIncrement:    session.BidIncrement,
		BuyNowPrice:     session.BuyNowPrice,
		RequiredDeposit: session.RequiredDeposit,
		ScheduledStart:  session.ScheduledStart,
		ScheduledEnd:    session.ScheduledEnd,
	})
}

func (h *AuctionHandler) GetSession(c echo.Context) error {
	snap, err := h.auctionManager.GetSnapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "get session", err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *AuctionHandler) VerifySession(c echo.Context) error {
	res, err := h.auctionManager.VerifySession(c.Request().Context(), c.Param("id"))
	return h.respond(c, "verify session", res, err)
}

func (h *AuctionHandler) CancelSession(c echo.Context) error {
	var req ActorRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	res, err := h.auctionManager.CancelSession(c.Request().Context(), c.Param("id"), req.ActorID)
	return h.respond(c, "cancel session", res, err)
}

func (h *AuctionHandler) Join(c echo.Context) error {
	var req UserRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	res, err := h.bidService.Join(c.Request().Context(), c.Param("id"), req.UserID)
	return h.respond(c, "join", res, err)
}

func (h *AuctionHandler) Leave(c echo.Context) error {
	var req UserRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	res, err := h.bidService.Leave(c.Request().Context(), c.Param("id"), req.UserID)
	return h.respond(c, "leave", res, err)
}

func (h *AuctionHandler) PlaceBid(c echo.Context) error {
	var req PlaceBidRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	res, err := h.bidService.PlaceBid(c.Request().Context(), c.Param("id"), req.UserID, req.Amount,
		req.IdempotencyToken)
	return h.respond(c, "place bid", res, err)
}

func (h *AuctionHandler) BuyNow(c echo.Context) error {
	var req BuyNowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	res, err := h.bidService.BuyNow(c.Request().Context(), c.Param("id"), req.UserID, req.IdempotencyToken)
	return h.respond(c, "buy now", res, err)
}

func (h *AuctionHandler) ListBids(c echo.Context) error {
	bids, err := h.auctionManager.ListBids(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "list bids", err)
	}
	if bids == nil {
		bids = []*domain.Bid{}
	}
	return c.JSON(http.StatusOK, bids)
}

func (h *AuctionHandler) ListEvents(c echo.Context) error {
	events, err := h.auctionManager.ListEvents(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "list events", err)
	}
	if events == nil {
		events = []*domain.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

func (h *AuctionHandler) ListParticipations(c echo.Context) error {
	participations, err := h.auctionManager.ListParticipations(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "list participations", err)
	}
	if participations == nil {
		participations = []*domain.Participant{}
	}
	return c.JSON(http.StatusOK, participations)
}

func (h *AuctionHandler) RecordDeposit(c echo.Context) error {
	var req DepositRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	if err := h.bidService.RecordDeposit(c.Request().Context(), req.SessionID, req.UserID, req.HasDeposit); err != nil {
		return h.fail(c, "record deposit", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AuctionHandler) respond(c echo.Context, action string, res *domain.Result, err error) error {
	if err != nil {
		return h.fail(c, action, err)
	}
	if !res.Accepted {
		return c.JSON(http.StatusConflict, RejectionResponse{Reason: res.Reason, Snapshot: res.Snapshot})
	}
	return c.JSON(http.StatusOK, res)
}

func (h *AuctionHandler) fail(c echo.Context, action string, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "action", action, "path", c.Path(), "error", err)
	} else {
		h.log.Debug("Request refused", "action", action, "path", c.Path(), "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidSession), errors.Is(err, domain.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDependencyUnavailable), errors.Is(err, domain.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSessionOwnedElsewhere):
		return http.StatusMisdirectedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
