package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"hookrelay/internal/apperr"
	"hookrelay/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent so it is safe on each start.
func (p *Postgres) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

const subscriptionColumns = `id, owner, name, target_url, events, COALESCE(repository,''), COALESCE(secret,''), status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (model.Subscription, error) {
	var s model.Subscription
	var events []byte
	if err := r.Scan(&s.ID, &s.Owner, &s.Name, &s.TargetURL, &events, &s.Repository, &s.Secret, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	if err := json.Unmarshal(events, &s.Events); err != nil {
		return s, fmt.Errorf("decode events for %s: %w", s.ID, err)
	}
	s.HasSecret = s.Secret != ""
	return s, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, in model.SubscriptionInput) (model.Subscription, error) {
	in, err := prepareInput(in)
	if err != nil {
		return model.Subscription{}, err
	}
	id := uuid.New().String()
	ev, _ := json.Marshal(in.Events)
	row := p.db.QueryRowContext(ctx, `INSERT INTO webhook_subscriptions (id, owner, name, target_url, events, repository, secret, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING `+subscriptionColumns,
		id, in.Owner, in.Name, in.TargetURL, ev, nullIfEmpty(in.Repository), nullIfEmpty(in.Secret), in.Status)
	s, err := scanSubscription(row)
	if err != nil {
		return model.Subscription{}, apperr.Internal(err, "create subscription")
	}
	return s.Redacted(), nil
}

func (p *Postgres) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	s, err := scanSubscription(p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, apperr.NotFound("webhook", id)
	}
	if err != nil {
		return model.Subscription{}, apperr.Internal(err, "get subscription")
	}
	return s.Redacted(), nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, owner string) ([]model.Subscription, error) {
	subs, err := p.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE owner=$1 ORDER BY seq`, owner)
	if err != nil {
		return nil, apperr.Internal(err, "list subscriptions")
	}
	for i := range subs {
		subs[i] = subs[i].Redacted()
	}
	return subs, nil
}

func (p *Postgres) SubscriptionsForEvent(ctx context.Context, owner string) ([]model.Subscription, error) {
	var subs []model.Subscription
	var err error
	if owner == "" {
		subs, err = p.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY seq`)
	} else {
		subs, err = p.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE owner=$1 ORDER BY seq`, owner)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load dispatch candidates")
	}
	return subs, nil
}

func (p *Postgres) querySubscriptions(ctx context.Context, q string, args ...any) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Subscription{}, apperr.Internal(err, "begin update")
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSubscription(tx.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, apperr.NotFound("webhook", id)
	}
	if err != nil {
		return model.Subscription{}, apperr.Internal(err, "load subscription")
	}
	next, err := applyPatch(cur, patch)
	if err != nil {
		return model.Subscription{}, err
	}
	ev, _ := json.Marshal(next.Events)
	row := tx.QueryRowContext(ctx, `UPDATE webhook_subscriptions
        SET name=$2, target_url=$3, events=$4, repository=$5, secret=$6, status=$7, updated_at=now()
        WHERE id=$1 RETURNING `+subscriptionColumns,
		id, next.Name, next.TargetURL, ev, nullIfEmpty(next.Repository), nullIfEmpty(next.Secret), next.Status)
	updated, err := scanSubscription(row)
	if err != nil {
		return model.Subscription{}, apperr.Internal(err, "update subscription")
	}
	if err := tx.Commit(); err != nil {
		return model.Subscription{}, apperr.Internal(err, "commit update")
	}
	return updated.Redacted(), nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id=$1`, id)
	if err != nil {
		return apperr.Internal(err, "delete subscription")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("webhook", id)
	}
	return nil
}

// Delivery log

const logColumns = `log_id, webhook_id, owner, event_kind, COALESCE(repository,''), pr_number, status, response_status,
    COALESCE(error_message,''), COALESCE(response_body,''), request_payload, attempts, latency_ms, created_at, completed_at`

func scanLog(r rowScanner) (model.DeliveryAttempt, error) {
	var a model.DeliveryAttempt
	var pr, code sql.NullInt64
	var payload []byte
	var completed sql.NullTime
	err := r.Scan(&a.LogID, &a.WebhookID, &a.Owner, &a.EventKind, &a.Repository, &pr, &a.Status, &code,
		&a.ErrorMessage, &a.ResponseBody, &payload, &a.Attempts, &a.LatencyMs, &a.CreatedAt, &completed)
	if err != nil {
		return a, err
	}
	if pr.Valid {
		a.PRNumber = model.IntPtr(int(pr.Int64))
	}
	if code.Valid {
		a.ResponseStatus = model.IntPtr(int(code.Int64))
	}
	if len(payload) > 0 {
		a.RequestPayload = json.RawMessage(payload)
	}
	if completed.Valid {
		t := completed.Time
		a.CompletedAt = &t
	}
	return a, nil
}

func (p *Postgres) AppendLog(ctx context.Context, a model.DeliveryAttempt) (string, error) {
	a, err := prepareAttempt(a, time.Now())
	if err != nil {
		return "", err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO webhook_logs (log_id, webhook_id, owner, event_kind, repository, pr_number, status,
            response_status, error_message, response_body, request_payload, attempts, latency_ms, created_at, completed_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.LogID, a.WebhookID, a.Owner, a.EventKind, nullIfEmpty(a.Repository), nullInt(a.PRNumber), a.Status,
		nullInt(a.ResponseStatus), nullIfEmpty(a.ErrorMessage), nullIfEmpty(a.ResponseBody), nullBytes(a.RequestPayload),
		a.Attempts, a.LatencyMs, a.CreatedAt, a.CompletedAt)
	if err != nil {
		return "", apperr.Internal(err, "append delivery log")
	}
	return a.LogID, nil
}

// UpdateTerminal writes the outcome only while the row is still pending.
// Zero affected rows means either an unknown id or a lost race.
func (p *Postgres) UpdateTerminal(ctx context.Context, logID string, res model.DeliveryResult) error {
	if err := validateResult(res); err != nil {
		return err
	}
	out, err := p.db.ExecContext(ctx, `UPDATE webhook_logs
        SET status=$2, response_status=$3, error_message=$4, response_body=$5, attempts=$6, latency_ms=$7, completed_at=now()
        WHERE log_id=$1 AND status='pending'`,
		logID, res.Status, nullInt(res.ResponseStatus), nullIfEmpty(res.ErrorMessage), nullIfEmpty(res.ResponseBody), res.Attempts, res.LatencyMs)
	if err != nil {
		return apperr.Internal(err, "finalize delivery log")
	}
	if n, _ := out.RowsAffected(); n == 1 {
		return nil
	}
	var current string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM webhook_logs WHERE log_id=$1`, logID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("delivery log", logID)
	}
	if err != nil {
		return apperr.Internal(err, "finalize delivery log")
	}
	return apperr.StateConflict(logID, current)
}

func (p *Postgres) GetLog(ctx context.Context, logID string) (model.DeliveryAttempt, error) {
	a, err := scanLog(p.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM webhook_logs WHERE log_id=$1`, logID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryAttempt{}, apperr.NotFound("delivery log", logID)
	}
	if err != nil {
		return model.DeliveryAttempt{}, apperr.Internal(err, "get delivery log")
	}
	return a, nil
}

func (p *Postgres) QueryLogs(ctx context.Context, q model.LogQuery) ([]model.DeliveryAttempt, error) {
	limit, err := clampLimit(q.Limit)
	if err != nil {
		return nil, err
	}
	sqlText, args := buildLogQuery(q, limit)
	rows, err := p.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, apperr.Internal(err, "query delivery logs")
	}
	defer rows.Close()
	out := []model.DeliveryAttempt{}
	for rows.Next() {
		a, err := scanLog(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan delivery log")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "query delivery logs")
	}
	return out, nil
}

func buildLogQuery(q model.LogQuery, limit int) (string, []any) {
	var where []string
	var args []any
	if q.Owner != "" {
		args = append(args, q.Owner)
		where = append(where, fmt.Sprintf("owner=$%d", len(args)))
	}
	if q.WebhookID != "" {
		args = append(args, q.WebhookID)
		where = append(where, fmt.Sprintf("webhook_id=$%d", len(args)))
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + logColumns + ` FROM webhook_logs`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY created_at DESC, log_id DESC LIMIT $%d", len(args))
	return b.String(), args
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// nullBytes passes raw bytes for a BYTEA column unchanged.
func nullBytes(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
