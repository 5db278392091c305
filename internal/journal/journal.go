// Package journal records bot decisions as BotLog rows and mirrors them to
// the process logger.
package journal

import (
	"time"

	"smc-trade-bot-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Fields is the structured context attached to an entry.
type Fields map[string]any

// Journal writes decision records. Never call it with a database handle that
// is inside an open transaction: a failed insert is only logged.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Journal.
func New(db *gorm.DB, logger *zap.Logger) *Journal {
	return &Journal{db: db, logger: logger.Named("journal"), now: time.Now}
}

// Record persists one entry.
func (j *Journal) Record(botID uint, level, category, message string, fields Fields) {
	zf := make([]zap.Field, 0, len(fields)+2)
	zf = append(zf, zap.Uint("bot_id", botID), zap.String("category", category))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	switch level {
	case models.LevelDebug:
		j.logger.Debug(message, zf...)
	case models.LevelWarning:
		j.logger.Warn(message, zf...)
	case models.LevelError:
		j.logger.Error(message, zf...)
	default:
		j.logger.Info(message, zf...)
	}

	entry := models.BotLog{
		BotID:     botID,
		Timestamp: j.now().UTC(),
		Level:     level,
		Category:  category,
		Message:   message,
		Context:   fields,
	}
	if err := j.db.Create(&entry).Error; err != nil {
		j.logger.Error("Failed to persist bot log", zap.Uint("bot_id", botID), zap.Error(err))
	}
}

func (j *Journal) Debug(botID uint, category, message string, fields Fields) {
	j.Record(botID, models.LevelDebug, category, message, fields)
}

func (j *Journal) Info(botID uint, category, message string, fields Fields) {
	j.Record(botID, models.LevelInfo, category, message, fields)
}

func (j *Journal) Warn(botID uint, category, message string, fields Fields) {
	j.Record(botID, models.LevelWarning, category, message, fields)
}

func (j *Journal) Error(botID uint, category, message string, fields Fields) {
	j.Record(botID, models.LevelError, category, message, fields)
}

// Recent returns the latest entries for a bot, newest first. botID 0 means
// every bot.
func Recent(db *gorm.DB, botID uint, limit int) ([]models.BotLog, error) {
	q := db.Order("timestamp DESC, id DESC").Limit(limit)
	if botID != 0 {
		q = q.Where("bot_id = ?", botID)
	}
	var logs []models.BotLog
	err := q.Find(&logs).Error
	return logs, err
}
