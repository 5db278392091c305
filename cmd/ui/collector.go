package main

import (
	"strconv"

	"smc-trade-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// tradeCollector reads per-bot trade figures from the database on scrape.
type tradeCollector struct {
	db  *gorm.DB
	log *zap.Logger

	openTrades *prometheus.Desc
	netPnL     *prometheus.Desc
	paused     *prometheus.Desc
}

func newTradeCollector(db *gorm.DB, log *zap.Logger) *tradeCollector {
	return &tradeCollector{
		db:  db,
		log: log,
		openTrades: prometheus.NewDesc("smc_bot_open_trades",
			"Open trades per bot.", []string{"bot_id"}, nil),
		netPnL: prometheus.NewDesc("smc_bot_net_pnl",
			"Net PnL of closed trades per bot.", []string{"bot_id"}, nil),
		paused: prometheus.NewDesc("smc_bot_paused",
			"1 when the bot is paused.", []string{"bot_id"}, nil),
	}
}

func (c *tradeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openTrades
	ch <- c.netPnL
	ch <- c.paused
}

type botFigure struct {
	BotID uint
	Value float64
}

func (c *tradeCollector) Collect(ch chan<- prometheus.Metric) {
	var open, pnl []botFigure
	if err := c.db.Model(&models.Trade{}).Select("bot_id, COUNT(*) AS value").
		Where("status = ?", models.TradeOpen).Group("bot_id").Scan(&open).Error; err != nil {
		c.log.Warn("Failed to collect open trades", zap.Error(err))
	}
	if err := c.db.Model(&models.Trade{}).Select("bot_id, SUM(net_pnl) AS value").
		Where("status = ?", models.TradeClosed).Group("bot_id").Scan(&pnl).Error; err != nil {
		c.log.Warn("Failed to collect net pnl", zap.Error(err))
	}
	var bots []models.Bot
	if err := c.db.Select("id", "paused").Find(&bots).Error; err != nil {
		c.log.Warn("Failed to collect bots", zap.Error(err))
	}

	for _, f := range open {
		ch <- prometheus.MustNewConstMetric(c.openTrades, prometheus.GaugeValue, f.Value, strconv.FormatUint(uint64(f.BotID), 10))
	}
	for _, f := range pnl {
		ch <- prometheus.MustNewConstMetric(c.netPnL, prometheus.GaugeValue, f.Value, strconv.FormatUint(uint64(f.BotID), 10))
	}
	for _, b := range bots {
		v := 0.0
		if b.Paused {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.paused, prometheus.GaugeValue, v, strconv.FormatUint(uint64(b.ID), 10))
	}
}
