package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"coinwatch/internal/storage"
)

const defaultHistoryHours = 24

type createAlertRequest struct {
	UserID    string          `json:"userId"`
	CoinID    string          `json:"coinId"`
	Threshold decimal.Decimal `json:"threshold"`
	Condition string          `json:"condition"`
}

type alertResponse struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	CoinID        string      `json:"coinId"`
	Threshold     json.Number `json:"threshold"`
	Condition     string      `json:"condition"`
	IsTriggered   bool        `json:"isTriggered"`
	LastTriggered *time.Time  `json:"lastTriggered,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

type priceResponse struct {
	CoinID         string       `json:"coinId"`
	CurrentPrice   json.Number  `json:"currentPrice"`
	PriceChange24h *json.Number `json:"priceChange24h"`
	ObservedAt     time.Time    `json:"observedAt"`
}

type historyPoint struct {
	Price     json.Number `json:"price"`
	Timestamp int64       `json:"timestamp"`
}

func toAlertResponse(rec storage.AlertRecord) alertResponse {
	return alertResponse{
		ID:            rec.ID,
		UserID:        rec.OwnerID,
		CoinID:        rec.AssetID,
		Threshold:     json.Number(rec.Threshold.String()),
		Condition:     string(rec.Condition),
		IsTriggered:   rec.Triggered,
		LastTriggered: rec.TriggeredAt,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func (s *Server) createAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithMessage(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	cond, err := storage.ParseCondition(req.Condition)
	if err != nil {
		abortWithMessage(c, http.StatusBadRequest, err.Error())
		return
	}
	alert := storage.NewAlert{
		OwnerID:   ownerFor(c, req.UserID),
		AssetID:   strings.TrimSpace(req.CoinID),
		Threshold: req.Threshold,
		Condition: cond,
	}
	if err := alert.Validate(); err != nil {
		abortWithMessage(c, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.store.Create(c.Request.Context(), alert)
	if err != nil {
		s.logger.Error().Err(err).Str("owner", alert.OwnerID).Msg("create alert failed")
		abortWithMessage(c, http.StatusInternalServerError, "Error creating alert")
		return
	}
	c.JSON(http.StatusCreated, toAlertResponse(rec))
}

func (s *Server) listAlerts(c *gin.Context) {
	owner := ownerFor(c, c.Query("userId"))
	if owner == "" {
		abortWithMessage(c, http.StatusBadRequest, "User ID is required")
		return
	}

	records, err := s.store.FindByOwner(c.Request.Context(), owner)
	if err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("list alerts failed")
		abortWithMessage(c, http.StatusInternalServerError, "Error fetching alerts")
		return
	}
	out := make([]alertResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toAlertResponse(rec))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deleteAlert(c *gin.Context) {
	owner := ownerFor(c, c.Query("userId"))
	if owner == "" {
		abortWithMessage(c, http.StatusBadRequest, "User ID is required")
		return
	}

	err := s.store.DeleteByIDAndOwner(c.Request.Context(), c.Param("id"), owner)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		abortWithMessage(c, http.StatusNotFound, "Alert not found")
	case err != nil:
		s.logger.Error().Err(err).Str("owner", owner).Msg("delete alert failed")
		abortWithMessage(c, http.StatusInternalServerError, "Error deleting alert")
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Alert deleted successfully"})
	}
}

func (s *Server) latestPrice(c *gin.Context) {
	coin := c.Param("coinId")
	snap, err := s.prices.ReadLatest(c.Request.Context(), coin)
	if err != nil {
		s.logger.Error().Err(err).Str("asset", coin).Msg("read latest price failed")
		abortWithMessage(c, http.StatusInternalServerError, "Error reading price")
		return
	}
	if snap == nil {
		abortWithMessage(c, http.StatusNotFound, "Price not available")
		return
	}

	resp := priceResponse{
		CoinID:       snap.AssetID,
		CurrentPrice: json.Number(snap.Price.String()),
		ObservedAt:   snap.ObservedAt,
	}
	if snap.Change24h.Valid {
		change := json.Number(snap.Change24h.Decimal.String())
		resp.PriceChange24h = &change
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) priceHistory(c *gin.Context) {
	coin := c.Param("coinId")
	hours := defaultHistoryHours
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithMessage(c, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = min(n, defaultHistoryHours)
	}

	points, err := s.prices.ReadHistory(c.Request.Context(), coin, hours)
	if err != nil {
		s.logger.Error().Err(err).Str("asset", coin).Msg("read price history failed")
		abortWithMessage(c, http.StatusInternalServerError, "Error reading price history")
		return
	}

	out := make([]historyPoint, 0, len(points))
	for _, p := range points {
		out = append(out, historyPoint{Price: json.Number(p.Price.String()), Timestamp: p.Timestamp.UnixMilli()})
	}
	c.JSON(http.StatusOK, gin.H{"coinId": coin, "hours": hours, "points": out})
}
