package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"smc-trade-bot-go/internal/journal"
	"smc-trade-bot-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log *zap.Logger
	db  *gorm.DB
	now func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log.Named("ui"), db: db, now: time.Now}
}

// Routes registers the read-only endpoints.
func (h *APIHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/bots", h.BotsHandler)
	mux.HandleFunc("/api/trades", h.TradesHandler)
	mux.HandleFunc("/api/statistics", h.StatisticsHandler)
	mux.HandleFunc("/api/logs", h.LogsHandler)
	return mux
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to write response", zap.Error(err))
	}
}

// queryBotID parses the optional bot_id parameter; 0 means every bot.
func queryBotID(r *http.Request) (uint, bool) {
	raw := r.URL.Query().Get("bot_id")
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// BotsHandler lists the bots with their learned profile.
func (h *APIHandler) BotsHandler(w http.ResponseWriter, r *http.Request) {
	var bots []models.Bot
	if err := h.db.WithContext(r.Context()).Order("id").Find(&bots).Error; err != nil {
		h.log.Error("Failed to get bots from database", zap.Error(err))
		http.Error(w, "Failed to get bots", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, bots)
}

// TradesHandler returns trades, most recent first. Optional filters:
// bot_id, status and limit.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	botID, ok := queryBotID(r)
	if !ok {
		http.Error(w, "Invalid bot_id", http.StatusBadRequest)
		return
	}
	q := h.db.WithContext(r.Context()).Order("id desc").Limit(queryLimit(r))
	if botID != 0 {
		q = q.Where("bot_id = ?", botID)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var trades []models.Trade
	if err := q.Find(&trades).Error; err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, trades)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
	TotalFees        float64 `json:"total_fees"`
}

func (s *StatsDetail) add(t *models.Trade) {
	s.TotalTrades++
	if t.Winner() {
		s.ProfitableTrades++
	}
	s.TotalProfit += t.NetPnL
	s.TotalFees += t.FeesPaid
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades) * 100
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	OpenTrades int64       `json:"open_trades"`
	Since24h   StatsDetail `json:"since_24h"`
	AllTime    StatsDetail `json:"all_time"`
}

// StatisticsHandler aggregates closed trades, optionally for one bot.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	botID, ok := queryBotID(r)
	if !ok {
		http.Error(w, "Invalid bot_id", http.StatusBadRequest)
		return
	}
	scope := func(db *gorm.DB) *gorm.DB {
		if botID != 0 {
			return db.Where("bot_id = ?", botID)
		}
		return db
	}

	var closed []models.Trade
	if err := h.db.WithContext(r.Context()).Scopes(scope).Where("status = ?", models.TradeClosed).Find(&closed).Error; err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}
	var resp StatisticsResponse
	if err := h.db.WithContext(r.Context()).Model(&models.Trade{}).Scopes(scope).
		Where("status = ?", models.TradeOpen).Count(&resp.OpenTrades).Error; err != nil {
		h.log.Error("Failed to count open trades", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := h.now().Add(-24 * time.Hour)
	for i := range closed {
		t := &closed[i]
		resp.AllTime.add(t)
		if t.ClosedAt != nil && t.ClosedAt.After(since24h) {
			resp.Since24h.add(t)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()
	h.writeJSON(w, resp)
}

// LogsHandler returns the latest decision log of one bot.
func (h *APIHandler) LogsHandler(w http.ResponseWriter, r *http.Request) {
	botID, ok := queryBotID(r)
	if !ok || botID == 0 {
		http.Error(w, "bot_id is required", http.StatusBadRequest)
		return
	}
	logs, err := journal.Recent(h.db.WithContext(r.Context()), botID, queryLimit(r))
	if err != nil {
		h.log.Error("Failed to get bot logs", zap.Uint("bot_id", botID), zap.Error(err))
		http.Error(w, "Failed to get logs", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, logs)
}
