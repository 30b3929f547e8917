package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"certline/internal/domain"
	"certline/internal/repo"
)

// Outbox enqueues notifications for the dispatcher to deliver later.
// Enqueue and delivery are decoupled so that a slow or failing channel
// never holds up the entity write that triggered it.
type Outbox struct {
	DB  *sql.DB
	Now func() time.Time
}

func (o Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Enqueue stores one pending notification.
func (o Outbox) Enqueue(ctx context.Context, recipientID, title, message, kind string, data map[string]any) error {
	n := domain.Notification{
		ID:          uuid.New().String(),
		RecipientID: recipientID,
		Title:       title,
		Message:     message,
		Type:        kind,
		Status:      domain.NotificationPending,
		CreatedAt:   o.now().UTC().Format(time.RFC3339),
	}
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		n.Data = string(b)
	}
	return repo.Repo{DB: o.DB}.InsertNotification(ctx, n)
}
