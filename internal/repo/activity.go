package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"certline/internal/domain"
)

type ActivityFilters struct {
	ActorID    string
	Action     string
	EntityKind string
	EntityID   string
	Limit      int
	CursorTS   string
	CursorID   int64
}

// ListActivity returns entries newest first, ordered by their timestamps
// rather than write order (server-assigned timestamps may land out of
// order); ties fall back to insertion order.
func (r Repo) ListActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.CursorTS != "" && f.CursorID > 0 {
		clauses = append(clauses, "(ts < ? OR (ts = ? AND id < ?))")
		args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,actor_id,action,description,entity_kind,entity_id,metadata_json FROM activity %s ORDER BY ts DESC, id DESC`, where)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ActivityByActor returns an actor's entries newest first.
func (r Repo) ActivityByActor(ctx context.Context, actorID string, limit int) ([]domain.ActivityEntry, error) {
	return r.ListActivity(ctx, ActivityFilters{ActorID: actorID, Limit: limit})
}

// ActivityByEntity returns one entity's entries newest first.
func (r Repo) ActivityByEntity(ctx context.Context, entityKind, entityID string, limit int) ([]domain.ActivityEntry, error) {
	return r.ListActivity(ctx, ActivityFilters{EntityKind: entityKind, EntityID: entityID, Limit: limit})
}

// ActivityAfter returns entries with IDs greater than the cursor in
// ascending order, for forwarders that must not skip entries.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,actor_id,action,description,entity_kind,entity_id,metadata_json FROM activity WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestActivityID returns the most recent activity row id.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity`).Scan(&id)
	return id, err
}

func scanActivity(scan func(dest ...any) error) (domain.ActivityEntry, error) {
	var e domain.ActivityEntry
	var description, entityID, metadata sql.NullString
	err := scan(&e.ID, &e.TS, &e.ActorID, &e.Action, &description, &e.EntityKind, &entityID, &metadata)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if description.Valid {
		e.Description = description.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if metadata.Valid {
		e.Metadata = metadata.String
	}
	return e, nil
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,recipient_id,title,message,type,data_json,status,attempts,created_at,sent_at,last_error) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.RecipientID, n.Title, nullable(n.Message), nullable(n.Type), nullable(n.Data), n.Status, n.Attempts,
		n.CreatedAt, nullableStringPtr(n.SentAt), nullableStringPtr(n.LastError))
	return err
}

// PendingNotifications returns undelivered rows oldest first, skipping
// rows that already exhausted their attempts.
func (r Repo) PendingNotifications(ctx context.Context, limit, maxAttempts int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,recipient_id,title,message,type,data_json,status,attempts,created_at,sent_at,last_error FROM notifications
WHERE status=? AND attempts<? ORDER BY created_at ASC, id ASC LIMIT ?`, domain.NotificationPending, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationSent(ctx context.Context, id, sentAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status=?, sent_at=?, last_error=NULL, attempts=attempts+1 WHERE id=?`,
		domain.NotificationSent, sentAt, id)
	return err
}

// MarkNotificationFailed bumps the attempt count; the row flips to failed
// once attempts reach the ceiling.
func (r Repo) MarkNotificationFailed(ctx context.Context, id, deliveryErr string, maxAttempts int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1, last_error=?,
status=CASE WHEN attempts+1>=? THEN ? ELSE status END WHERE id=?`,
		deliveryErr, maxAttempts, domain.NotificationFailed, id)
	return err
}

type NotificationFilters struct {
	RecipientID string
	Status      string
	Limit       int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,recipient_id,title,message,type,data_json,status,attempts,created_at,sent_at,last_error FROM notifications ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func scanNotification(scan func(dest ...any) error) (domain.Notification, error) {
	var n domain.Notification
	var message, ntype, data, sentAt, lastError sql.NullString
	err := scan(&n.ID, &n.RecipientID, &n.Title, &message, &ntype, &data, &n.Status, &n.Attempts, &n.CreatedAt, &sentAt, &lastError)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if message.Valid {
		n.Message = message.String
	}
	if ntype.Valid {
		n.Type = ntype.String
	}
	if data.Valid {
		n.Data = data.String
	}
	if sentAt.Valid {
		n.SentAt = &sentAt.String
	}
	if lastError.Valid {
		n.LastError = &lastError.String
	}
	return n, nil
}

// WebhookCursor returns the last delivered activity id for a hook, or
// ErrNotFound for a hook that never delivered.
func (r Repo) WebhookCursor(ctx context.Context, hook string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_id FROM webhook_cursors WHERE hook=?`, hook).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, hook string, lastID int64, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook,last_id,updated_at) VALUES (?,?,?)
ON CONFLICT(hook) DO UPDATE SET last_id=excluded.last_id, updated_at=excluded.updated_at`, hook, lastID, updatedAt)
	return err
}
