package models

import "time"

// Log levels.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Log categories.
const (
	CategoryPrice     = "price"
	CategoryAnalysis  = "analysis"
	CategorySignals   = "signals"
	CategoryExecution = "execution"
	CategoryConfig    = "config"
	CategoryError     = "error"
	CategoryGeneral   = "general"
)

// BotLog is a persisted decision record consumed by the dashboard.
type BotLog struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	BotID     uint           `gorm:"index" json:"bot_id"`
	Timestamp time.Time      `gorm:"index" json:"timestamp"`
	Level     string         `json:"level"`
	Category  string         `gorm:"index" json:"category"`
	Message   string         `json:"message"`
	Context   map[string]any `gorm:"serializer:json" json:"context"`
}
