// Package locks serializes work on a bot across goroutines and processes.
package locks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"smc-trade-bot-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrLocked means another process holds the bot's lease.
var ErrLocked = errors.New("bot is locked by another worker")

// Locker hands out per-bot locks: an in-process slot plus a lease row on the
// bot so that separately scheduled commands exclude each other too.
type Locker struct {
	db     *gorm.DB
	ttl    time.Duration
	owner  string
	logger *zap.Logger

	mu    sync.Mutex
	slots map[uint]chan struct{}
}

// NewLocker creates a Locker. The owner id is unique per process.
func NewLocker(db *gorm.DB, ttl time.Duration, logger *zap.Logger) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	host, _ := os.Hostname()
	return &Locker{
		db:     db,
		ttl:    ttl,
		owner:  fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()),
		logger: logger.Named("locks"),
		slots:  make(map[uint]chan struct{}),
	}
}

// Owner returns the lease owner id of this process.
func (l *Locker) Owner() string { return l.owner }

func (l *Locker) slot(botID uint) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[botID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[botID] = s
	}
	return s
}

// Acquire blocks until the in-process slot is free, then takes the lease.
// It returns ErrLocked when a live lease belongs to someone else.
func (l *Locker) Acquire(ctx context.Context, botID uint) (release func(), err error) {
	s := l.slot(botID)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	now := time.Now().UTC()
	until := now.Add(l.ttl)
	res := l.db.WithContext(ctx).Model(&models.Bot{}).
		Where("id = ? AND (lock_owner IS NULL OR lock_owner = '' OR lock_owner = ? OR locked_until IS NULL OR locked_until < ?)", botID, l.owner, now).
		Updates(map[string]any{"lock_owner": l.owner, "locked_until": until})
	if res.Error != nil {
		<-s
		return nil, fmt.Errorf("failed to take lease on bot %d: %w", botID, res.Error)
	}
	if res.RowsAffected == 0 {
		<-s
		return nil, fmt.Errorf("bot %d: %w", botID, ErrLocked)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			err := l.db.Model(&models.Bot{}).
				Where("id = ? AND lock_owner = ?", botID, l.owner).
				Updates(map[string]any{"lock_owner": "", "locked_until": nil}).Error
			if err != nil {
				l.logger.Warn("Failed to release lease", zap.Uint("bot_id", botID), zap.Error(err))
			}
			<-s
		})
	}, nil
}
