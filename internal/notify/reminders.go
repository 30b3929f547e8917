package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"certline/internal/activity"
	"certline/internal/config"
	"certline/internal/repo"
)

// Reminder sweeps for certificates expiring inside the configured
// window and enqueues one expiry notification per certificate. The
// reminder_sent flag keeps the sweep idempotent across runs.
type Reminder struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Outbox   Outbox
	Config   *config.Config
	Logger   *zap.Logger
	Now      func() time.Time
}

func NewReminder(db *sql.DB, cfg *config.Config, logger *zap.Logger) *Reminder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reminder{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Outbox:   Outbox{DB: db},
		Config:   cfg,
		Logger:   logger,
	}
}

func (r *Reminder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Start registers the sweep on the configured cron schedule and starts
// the scheduler. The caller stops it on shutdown.
func (r *Reminder) Start(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(r.Config.Reminders.Schedule, func() { r.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("reminder schedule %q: %w", r.Config.Reminders.Schedule, err)
	}
	c.Start()
	return c, nil
}

// Sweep runs one pass over the expiring window.
func (r *Reminder) Sweep(ctx context.Context) {
	now := r.now().UTC()
	deadline := now.AddDate(0, 0, r.Config.Reminders.WindowDays).Format(time.RFC3339)
	certs, err := r.Repo.ExpiringCertificates(ctx, deadline, r.Config.NotificationBatch())
	if err != nil {
		r.Logger.Error("reminder sweep failed", zap.Error(err))
		return
	}
	for _, c := range certs {
		expires := ""
		if c.ExpiresAt != nil {
			expires = *c.ExpiresAt
		}
		err := r.Outbox.Enqueue(ctx, c.RecipientID,
			"Certificate expiring soon",
			fmt.Sprintf("Certificate %s (%s) expires on %s.", c.ID, c.Type, expires),
			"certificate_expiring",
			map[string]any{"certificate_id": c.ID, "expires_at": expires})
		if err != nil {
			r.Logger.Error("reminder enqueue failed", zap.String("certificate_id", c.ID), zap.Error(err))
			continue
		}
		if err := r.Repo.MarkReminderSent(ctx, c.ID); err != nil {
			r.Logger.Error("reminder flag update failed", zap.String("certificate_id", c.ID), zap.Error(err))
			continue
		}
		err = r.Activity.Record(ctx, "system", activity.CertificateReminded,
			fmt.Sprintf("expiry reminder queued for certificate %s", c.ID),
			activity.KindCertificate, c.ID,
			activity.Metadata{"expires_at": expires})
		if err != nil {
			r.Logger.Warn("activity append failed", zap.String("certificate_id", c.ID), zap.Error(err))
		}
	}
	if len(certs) > 0 {
		r.Logger.Info("reminder sweep", zap.Int("queued", len(certs)))
	}
}
