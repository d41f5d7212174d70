// Package database is the ambient persistence layer: chat links, per-user
// notification preferences, and a log of sent notifications. Grounded in
// the teacher's internal/database/database.go for the dual sqlite/postgres
// driver selection and FirstOrCreate settings idiom.
package database

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Database struct {
	db                 *gorm.DB
	defaultMinNotional decimal.Decimal
}

// ChatLink binds a user (exchange address, lowercased) to an external
// chat identifier, plus their notification preferences.
type ChatLink struct {
	User                 string `gorm:"primaryKey;column:user_address"`
	ChatID               string `gorm:"column:chat_id"`
	FillsEnabled         bool   `gorm:"default:true"`
	PnlEnabled           bool   `gorm:"default:true"`
	LiquidationEnabled   bool   `gorm:"default:true"`
	DailyDigestEnabled   bool   `gorm:"default:false"`
	MinNotificationValue decimal.Decimal `gorm:"type:decimal(20,6);default:0"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (ChatLink) TableName() string { return "chat_links" }

// NotificationLog records every notification actually sent, keyed for
// later audit/debugging of dedup behavior.
type NotificationLog struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	User     string `gorm:"index;column:user_address"`
	Category string `gorm:"index"` // "fills", "pnl", "liquidation", "digest"
	Notional decimal.Decimal `gorm:"type:decimal(20,6)"`
	SentAt   time.Time `gorm:"index"`
}

func (NotificationLog) TableName() string { return "notification_log" }

// New opens the database, selecting the postgres driver for a
// postgres://-prefixed dsn and falling back to sqlite otherwise
// (mirroring the teacher's New(dbPath) prefix sniff).
// defaultMinNotional seeds MinNotificationValue for newly linked chats
// (config.Config.DefaultMinNotificationValue).
func New(dsn string, defaultMinNotional decimal.Decimal) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("database connected (postgres)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("database initialized (sqlite)")
	}

	if err := db.AutoMigrate(&ChatLink{}, &NotificationLog{}); err != nil {
		return nil, err
	}

	return &Database{db: db, defaultMinNotional: defaultMinNotional}, nil
}

// GetChatID backs notify.ChatLinkStore's GetChatID (via cmd/sidecard's
// notifyStore adapter).
func (d *Database) GetChatID(user string) (string, bool) {
	user = strings.ToLower(user)
	var link ChatLink
	if err := d.db.Where("user_address = ?", user).First(&link).Error; err != nil {
		return "", false
	}
	if link.ChatID == "" {
		return "", false
	}
	return link.ChatID, true
}

// GetNotificationSettings backs notify.ChatLinkStore's settings lookup;
// cmd/sidecard's notifyStore adapter converts the returned Settings to
// notify.NotificationSettings. Returns the
// zero-value settings (every category disabled) for an unlinked user
// rather than erroring; the caller's chat-id lookup is what actually
// gates delivery.
func (d *Database) GetNotificationSettings(user string) Settings {
	user = strings.ToLower(user)
	var link ChatLink
	if err := d.db.Where("user_address = ?", user).First(&link).Error; err != nil {
		return Settings{}
	}
	return Settings{
		FillsEnabled:         link.FillsEnabled,
		PnlEnabled:           link.PnlEnabled,
		LiquidationEnabled:   link.LiquidationEnabled,
		DailyDigestEnabled:   link.DailyDigestEnabled,
		MinNotificationValue: link.MinNotificationValue,
	}
}

// RecordNotificationSent backs notify.ChatLinkStore's
// RecordNotificationSent (via cmd/sidecard's notifyStore adapter).
func (d *Database) RecordNotificationSent(user, category string, notional decimal.Decimal) {
	user = strings.ToLower(user)
	entry := &NotificationLog{User: user, Category: category, Notional: notional, SentAt: time.Now()}
	if err := d.db.Create(entry).Error; err != nil {
		log.Warn().Err(err).Str("user", user).Str("category", category).Msg("failed to record notification log entry")
	}
}

// LinkChat creates or updates a user's chat binding. Settings not
// already present default on (matching the original source's
// fills/pnl/liquidation-on-by-default posture), preserving any existing
// preferences on update.
func (d *Database) LinkChat(user, chatID string) error {
	user = strings.ToLower(user)
	var link ChatLink
	err := d.db.Where("user_address = ?", user).First(&link).Error
	if err == gorm.ErrRecordNotFound {
		link = ChatLink{
			User:                 user,
			ChatID:               chatID,
			FillsEnabled:         true,
			PnlEnabled:           true,
			LiquidationEnabled:   true,
			MinNotificationValue: d.defaultMinNotional,
		}
		return d.db.Create(&link).Error
	}
	if err != nil {
		return err
	}
	link.ChatID = chatID
	return d.db.Save(&link).Error
}

// UnlinkChat removes a user's chat binding.
func (d *Database) UnlinkChat(user string) error {
	user = strings.ToLower(user)
	return d.db.Where("user_address = ?", user).Delete(&ChatLink{}).Error
}

// UpdateSettings persists new notification preferences for an already
// linked user.
func (d *Database) UpdateSettings(user string, settings Settings) error {
	user = strings.ToLower(user)
	return d.db.Model(&ChatLink{}).Where("user_address = ?", user).Updates(map[string]any{
		"fills_enabled":          settings.FillsEnabled,
		"pnl_enabled":            settings.PnlEnabled,
		"liquidation_enabled":    settings.LiquidationEnabled,
		"daily_digest_enabled":   settings.DailyDigestEnabled,
		"min_notification_value": settings.MinNotificationValue,
	}).Error
}

// Settings mirrors notify.NotificationSettings; duplicated here rather
// than imported so this package does not depend on internal/notify.
type Settings struct {
	FillsEnabled         bool
	PnlEnabled           bool
	LiquidationEnabled   bool
	DailyDigestEnabled   bool
	MinNotificationValue decimal.Decimal
}

// RecentNotifications returns the most recent log entries for a user,
// newest first, for debugging/audit use.
func (d *Database) RecentNotifications(user string, limit int) ([]NotificationLog, error) {
	user = strings.ToLower(user)
	var entries []NotificationLog
	err := d.db.Where("user_address = ?", user).Order("sent_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}
