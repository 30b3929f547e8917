package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"certline/internal/config"
	"certline/internal/domain"
	"certline/internal/repo"
)

const forwardBatch = 50

// Forwarder tails the activity feed and POSTs matching entries to the
// configured webhook endpoints. Each hook keeps a persistent cursor in
// webhook_cursors, so deliveries survive restarts and every entry is
// delivered at least once. A failed POST stops that hook's run; the
// cursor stays put and the entry is retried on the next tick.
type Forwarder struct {
	Repo    repo.Repo
	Config  *config.Config
	Logger  *zap.Logger
	Client  *resty.Client
	Now     func() time.Time
	filters map[string]actionFilter
}

func NewForwarder(db *sql.DB, cfg *config.Config, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Forwarder{
		Repo:    repo.Repo{DB: db},
		Config:  cfg,
		Logger:  logger,
		Client:  resty.New().SetTimeout(10 * time.Second),
		filters: make(map[string]actionFilter),
	}
	for _, hook := range cfg.Webhooks {
		f.filters[hook.Name] = newActionFilter(hook.Actions)
	}
	return f
}

func (f *Forwarder) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Run polls until the context is cancelled. With no hooks configured it
// returns immediately.
func (f *Forwarder) Run(ctx context.Context) {
	if len(f.Config.Webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(f.Config.PollInterval()) * time.Second)
	defer ticker.Stop()
	for {
		f.ForwardAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ForwardAll runs one delivery pass over every configured hook.
func (f *Forwarder) ForwardAll(ctx context.Context) {
	for _, hook := range f.Config.Webhooks {
		if err := f.forwardHook(ctx, hook); err != nil {
			f.Logger.Warn("webhook delivery failed", zap.String("hook", hook.Name), zap.Error(err))
		}
	}
}

func (f *Forwarder) forwardHook(ctx context.Context, hook config.Webhook) error {
	cursor, err := f.Repo.WebhookCursor(ctx, hook.Name)
	if errors.Is(err, repo.ErrNotFound) {
		// New hook: start at the feed head rather than replaying history.
		cursor, err = f.Repo.LatestActivityID(ctx)
		if err != nil {
			return err
		}
		return f.Repo.SetWebhookCursor(ctx, hook.Name, cursor, f.now().UTC().Format(time.RFC3339))
	}
	if err != nil {
		return err
	}
	entries, err := f.Repo.ActivityAfter(ctx, forwardBatch, cursor)
	if err != nil {
		return err
	}
	filter := f.filters[hook.Name]
	for _, entry := range entries {
		if filter.match(entry.Action) {
			if err := f.send(ctx, hook, entry); err != nil {
				return err
			}
		}
		if err := f.Repo.SetWebhookCursor(ctx, hook.Name, entry.ID, f.now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

func (f *Forwarder) send(ctx context.Context, hook config.Webhook, entry domain.ActivityEntry) error {
	body, err := json.Marshal(newWebhookEntry(entry))
	if err != nil {
		return err
	}
	req := f.Client.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Certline-Event", entry.Action).
		SetHeader("X-Certline-Delivery", uuid.New().String()).
		SetBody(body)
	if hook.Secret != "" {
		req.SetHeader("X-Certline-Signature", sign(hook.Secret, body))
	}
	resp, err := req.Post(hook.URL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		detail := resp.String()
		if len(detail) > 4096 {
			detail = detail[:4096]
		}
		return fmt.Errorf("%s responded %d: %s", hook.URL, resp.StatusCode(), detail)
	}
	f.Logger.Info("webhook delivered",
		zap.String("hook", hook.Name),
		zap.Int64("activity_id", entry.ID),
		zap.String("action", entry.Action))
	return nil
}

// sign computes the hex HMAC-SHA256 of the request body under the hook
// secret. Receivers recompute it to authenticate the delivery.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type webhookEntry struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts"`
	ActorID     string          `json:"actor_id"`
	Action      string          `json:"action"`
	Description string          `json:"description,omitempty"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func newWebhookEntry(entry domain.ActivityEntry) webhookEntry {
	w := webhookEntry{
		ID:          entry.ID,
		TS:          entry.TS,
		ActorID:     entry.ActorID,
		Action:      entry.Action,
		Description: entry.Description,
		EntityKind:  entry.EntityKind,
		EntityID:    entry.EntityID,
	}
	if entry.Metadata != "" {
		w.Metadata = json.RawMessage(entry.Metadata)
	}
	return w
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	if len(actions) == 0 {
		return actionFilter{all: true}
	}
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if a == "*" {
			return actionFilter{all: true}
		}
		set[a] = struct{}{}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
