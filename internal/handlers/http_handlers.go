package handlers

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	"vaultlottery/internal/models"
	"vaultlottery/internal/services"
	"vaultlottery/internal/store"
)

// CallerHeader carries the identity that signed the request.
const CallerHeader = "X-Caller"

const callerKey = "caller"

// HTTPHandler holds the dependencies for the HTTP handlers, like the lottery service.
type HTTPHandler struct {
	service      *services.LotteryService
	faucetEnable bool
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(service *services.LotteryService, faucet bool) *HTTPHandler {
	return &HTTPHandler{
		service:      service,
		faucetEnable: faucet,
	}
}

// RegisterPublicRoutes registers the read-only routes.
func (h *HTTPHandler) RegisterPublicRoutes(router gin.IRoutes) {
	router.GET("/vaults/:authority", h.GetVault)
	router.GET("/vaults/:authority/participants", h.ListParticipants)
	router.GET("/accounts/:identity/balance", h.GetBalance)
	router.GET("/events", h.ListEvents)
	if h.faucetEnable {
		router.POST("/faucet", h.Fund)
	}
}

// RegisterCallerRoutes registers the instruction routes. They expect
// CallerMiddleware to have identified the caller.
func (h *HTTPHandler) RegisterCallerRoutes(router gin.IRoutes) {
	router.POST("/vault", h.CreateVault)
	router.POST("/vault/lock", h.ToggleLock)
	router.POST("/vault/commit", h.CommitDraw)
	router.POST("/vault/settle", h.SettleDraw)
	router.POST("/vaults/:authority/deposit", h.Deposit)
	router.POST("/vaults/:authority/claim", h.Claim)
	router.DELETE("/vaults/:authority/participant", h.CloseParticipant)
}

// CallerMiddleware rejects requests without a caller identity. Verifying
// that the caller actually signed the request is left to the gateway in
// front of this service.
func (h *HTTPHandler) CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := models.ParseIdentity(c.GetHeader(CallerHeader))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("%s header is required", CallerHeader)})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func caller(c *gin.Context) models.Identity {
	id, _ := c.Get(callerKey)
	caller, _ := id.(models.Identity)
	return caller
}

func authorityParam(c *gin.Context) (models.Identity, bool) {
	id, err := models.ParseIdentity(c.Param("authority"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return id, true
}

// writeError maps service errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, services.ErrVaultChanged):
		status = http.StatusConflict
	case services.IsPrecondition(err), errors.Is(err, store.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "class": services.ErrorClass(err)})
}

type createVaultRequest struct {
	Locked   bool   `json:"locked"`
	Strategy string `json:"strategy"`
}

// CreateVault opens a vault owned by the caller.
func (h *HTTPHandler) CreateVault(c *gin.Context) {
	var req createVaultRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	var strategy models.Strategy
	if req.Strategy != "" {
		parsed, err := models.ParseStrategy(req.Strategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		strategy = parsed
	}

	v, err := h.service.CreateVault(c.Request.Context(), caller(c), req.Locked, strategy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// ToggleLock flips the lock on the caller's vault.
func (h *HTTPHandler) ToggleLock(c *gin.Context) {
	locked, err := h.service.ToggleLock(c.Request.Context(), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": locked})
}

type commitRequest struct {
	// Seed is hex encoded, at most 32 bytes. Shorter seeds are zero padded.
	Seed string `json:"seed"`
}

// CommitDraw starts the draw on the caller's vault.
func (h *HTTPHandler) CommitDraw(c *gin.Context) {
	var req commitRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	seed, err := parseSeed(req.Seed)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	v, err := h.service.CommitDraw(c.Request.Context(), caller(c), seed)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func parseSeed(raw string) ([32]byte, error) {
	var seed [32]byte
	b, err := hex.DecodeString(raw)
	if err != nil {
		return seed, fmt.Errorf("seed must be hex: %w", err)
	}
	if len(b) > len(seed) {
		return seed, fmt.Errorf("seed is %d bytes, at most %d allowed", len(b), len(seed))
	}
	copy(seed[:], b)
	return seed, nil
}

type settleRequest struct {
	WinnerID *uint64 `json:"winnerId"`
}

// SettleDraw picks the winner of the caller's vault.
func (h *HTTPHandler) SettleDraw(c *gin.Context) {
	var req settleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	v, err := h.service.SettleDraw(c.Request.Context(), caller(c), req.WinnerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type depositRequest struct {
	Amount uint64 `json:"amount"`
}

// Deposit enters the caller into a vault.
func (h *HTTPHandler) Deposit(c *gin.Context) {
	authority, ok := authorityParam(c)
	if !ok {
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.service.Deposit(c.Request.Context(), authority, caller(c), req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Claim pays the prize to the caller if they hold the winning entry.
func (h *HTTPHandler) Claim(c *gin.Context) {
	authority, ok := authorityParam(c)
	if !ok {
		return
	}
	paid, err := h.service.ClaimIfWinner(c.Request.Context(), authority, caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": paid})
}

// CloseParticipant removes the caller's entry and refunds its reservation.
func (h *HTTPHandler) CloseParticipant(c *gin.Context) {
	authority, ok := authorityParam(c)
	if !ok {
		return
	}
	refund, err := h.service.CloseParticipant(c.Request.Context(), authority, caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": refund})
}

func (h *HTTPHandler) GetVault(c *gin.Context) {
	authority, ok := authorityParam(c)
	if !ok {
		return
	}
	v, err := h.service.GetVault(c.Request.Context(), authority)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *HTTPHandler) ListParticipants(c *gin.Context) {
	authority, ok := authorityParam(c)
	if !ok {
		return
	}
	ps, err := h.service.ListParticipants(c.Request.Context(), authority)
	if err != nil {
		writeError(c, err)
		return
	}
	if ps == nil {
		ps = []*models.Participant{}
	}
	c.JSON(http.StatusOK, ps)
}

func (h *HTTPHandler) GetBalance(c *gin.Context) {
	id, err := models.ParseIdentity(c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bal, err := h.service.Balance(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id, "balance": bal})
}

// ListEvents pages through the event log: ?after=<seq>&limit=<n>.
func (h *HTTPHandler) ListEvents(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}
	evs, err := h.service.Events(c.Request.Context(), after, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if evs == nil {
		evs = []models.Event{}
	}
	c.JSON(http.StatusOK, evs)
}

type fundRequest struct {
	Identity string `json:"identity" binding:"required"`
	Amount   uint64 `json:"amount" binding:"required"`
}

// Fund credits an account from the development faucet.
func (h *HTTPHandler) Fund(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := models.ParseIdentity(req.Identity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.Fund(c.Request.Context(), id, req.Amount); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
