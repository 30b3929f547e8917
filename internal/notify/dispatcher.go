package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"certline/internal/config"
	"certline/internal/domain"
	"certline/internal/repo"
)

// Dispatcher drains the notification outbox on a poll interval and
// delivers to the configured channels: the structured log always, SMTP
// email when enabled and the row carries a recipient address. Failed
// deliveries are retried up to the configured attempt count.
type Dispatcher struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Logger *zap.Logger
	Email  *EmailSender
	Now    func() time.Time
}

func NewDispatcher(db *sql.DB, cfg *config.Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Logger: logger,
	}
	if cfg.Notifications.Email.Enabled {
		d.Email = &EmailSender{
			Host:     cfg.Notifications.Email.SMTPHost,
			Port:     cfg.Notifications.Email.SMTPPort,
			From:     cfg.Notifications.Email.From,
			Password: os.Getenv(cfg.Notifications.Email.PasswordEnv),
		}
	}
	return d
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(d.Config.PollInterval()) * time.Second)
	defer ticker.Stop()
	for {
		d.Drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain delivers one batch of pending notifications.
func (d *Dispatcher) Drain(ctx context.Context) {
	pending, err := d.Repo.PendingNotifications(ctx, d.Config.NotificationBatch(), d.Config.NotificationAttempts())
	if err != nil {
		d.Logger.Error("outbox poll failed", zap.Error(err))
		return
	}
	for _, n := range pending {
		if err := d.deliver(n); err != nil {
			d.Logger.Warn("notification delivery failed",
				zap.String("id", n.ID),
				zap.String("type", n.Type),
				zap.Int("attempts", n.Attempts+1),
				zap.Error(err))
			if err := d.Repo.MarkNotificationFailed(ctx, n.ID, err.Error(), d.Config.NotificationAttempts()); err != nil {
				d.Logger.Error("outbox update failed", zap.String("id", n.ID), zap.Error(err))
			}
			continue
		}
		if err := d.Repo.MarkNotificationSent(ctx, n.ID, d.now().UTC().Format(time.RFC3339)); err != nil {
			d.Logger.Error("outbox update failed", zap.String("id", n.ID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) deliver(n domain.Notification) error {
	d.Logger.Info("notification",
		zap.String("id", n.ID),
		zap.String("recipient_id", n.RecipientID),
		zap.String("type", n.Type),
		zap.String("title", n.Title),
		zap.String("message", n.Message))
	if d.Email == nil {
		return nil
	}
	to := recipientEmail(n.Data)
	if to == "" {
		return nil
	}
	return d.Email.Send(to, n.Title, n.Message)
}

// recipientEmail pulls an address out of the row's data payload. Rows
// without one are log-only.
func recipientEmail(data string) string {
	if data == "" {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return ""
	}
	if s, ok := m["email"].(string); ok {
		return s
	}
	return ""
}
