// Package handlers exposes the read-only REST surface plus the referral
// registration endpoints.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noma-protocol/frontend-sub002/middleware"
	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/service"
	"github.com/noma-protocol/frontend-sub002/storage"
	"github.com/noma-protocol/frontend-sub002/syncer"
)

// Handler handles HTTP requests
type Handler struct {
	relay      *service.Relay
	attributor *syncer.Attributor
	metrics    *syncer.MetricsStore
}

// NewHandler creates a new handler. metrics may be nil when no Redis is
// configured; the metrics endpoint then reports empty snapshots.
func NewHandler(relay *service.Relay, attributor *syncer.Attributor, metrics *syncer.MetricsStore) *Handler {
	return &Handler{
		relay:      relay,
		attributor: attributor,
		metrics:    metrics,
	}
}

// GetProfile returns the public profile for an address.
func (h *Handler) GetProfile(c *gin.Context) {
	address := c.GetString("validatedAddress")

	profile, err := h.relay.GetProfile(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load profile"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

// GetTransactions returns trade events matching the query filters.
func (h *Handler) GetTransactions(c *gin.Context) {
	query := models.TradeQuery{
		Address:      strings.ToLower(c.Query("address")),
		TokenAddress: strings.ToLower(c.Query("tokenAddress")),
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		query.Limit, _ = strconv.Atoi(limitStr)
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		query.Offset, _ = strconv.Atoi(offsetStr)
	}
	if val := c.Query("startTime"); val != "" {
		query.StartTime, _ = middleware.ParseTimeParam(val)
	}
	if val := c.Query("endTime"); val != "" {
		query.EndTime, _ = middleware.ParseTimeParam(val)
	}

	events, err := h.relay.ListTrades(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": events,
		"count":        len(events),
	})
}

// GetTransaction returns one trade event by hash.
func (h *Handler) GetTransaction(c *gin.Context) {
	hash := c.GetString("validatedHash")

	event, err := h.relay.GetTrade(c.Request.Context(), hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transaction"})
		return
	}
	if event == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": event})
}

// GetStats returns aggregate trade statistics, optionally per address.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.relay.GetStats(c.Request.Context(), c.Query("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// RegisterReferralRequest is the payload for referral registration.
type RegisterReferralRequest struct {
	Code    string `json:"code" binding:"required"`
	Address string `json:"address" binding:"required"`
	// Referred, when set, registers Address as referred under Code instead
	// of claiming ownership of Code.
	Referred bool `json:"referred"`
}

// RegisterReferral binds a code to an owner, or an address to a code.
func (h *Handler) RegisterReferral(c *gin.Context) {
	var req RegisterReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if !middleware.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}

	var err error
	if req.Referred {
		err = h.attributor.RegisterUser(c.Request.Context(), req.Code, req.Address)
	} else {
		err = h.attributor.RegisterCode(c.Request.Context(), req.Code, req.Address)
	}
	if err != nil {
		var taken storage.ErrCodeTaken
		if errors.As(err, &taken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetReferral returns a code's binding and its attributed trades.
func (h *Handler) GetReferral(c *gin.Context) {
	code := c.Param("code")

	binding, err := h.relay.GetReferralCode(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load referral code"})
		return
	}
	if binding == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "referral code not found"})
		return
	}

	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	trades, err := h.relay.ListReferralTrades(c.Request.Context(), binding.OwnerAddress, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load referral trades"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"referral": binding,
		"trades":   trades,
		"count":    len(trades),
	})
}

// GetMetrics returns the latest poller/hub snapshot from Redis.
func (h *Handler) GetMetrics(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusOK, gin.H{"metrics": syncer.SystemMetrics{}})
		return
	}

	metrics, err := h.metrics.GetMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"metrics": metrics})
}
