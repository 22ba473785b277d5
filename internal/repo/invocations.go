package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lockbridge/internal/domain"
)

const invocationColumns = `id,request_id,channel,actor_id,ok,COALESCE(kind,''),COALESCE(message,''),exit_code,timed_out,duration_ms,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row scanner) (domain.Invocation, error) {
	var inv domain.Invocation
	var ok, timedOut int
	err := row.Scan(&inv.ID, &inv.RequestID, &inv.Channel, &inv.ActorID, &ok, &inv.Kind, &inv.Message,
		&inv.ExitCode, &timedOut, &inv.DurationMs, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return inv, ErrNotFound
	}
	inv.OK = ok == 1
	inv.TimedOut = timedOut == 1
	return inv, err
}

// InsertInvocation appends a ledger row and returns its ID.
func (r Repo) InsertInvocation(ctx context.Context, tx *sql.Tx, inv domain.Invocation) (int64, error) {
	if inv.RequestID == "" {
		return 0, errors.New("request_id required")
	}
	if inv.Channel == "" {
		return 0, errors.New("channel required")
	}
	if inv.CreatedAt == "" {
		inv.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	res, err := r.execer(tx).ExecContext(ctx,
		`INSERT INTO invocations(request_id,channel,actor_id,ok,kind,message,exit_code,timed_out,duration_ms,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		inv.RequestID, inv.Channel, inv.ActorID, boolInt(inv.OK), nullable(inv.Kind), nullable(inv.Message),
		inv.ExitCode, boolInt(inv.TimedOut), inv.DurationMs, inv.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ReserveRequestID claims requestID before its command runs. It returns
// ErrConflict when the ID was claimed before, even by a request still in
// flight.
func (r Repo) ReserveRequestID(ctx context.Context, requestID, channel, actorID, at string) error {
	if requestID == "" {
		return errors.New("request_id required")
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO request_ids(request_id,channel,actor_id,reserved_at) VALUES (?,?,?,?)`,
		requestID, channel, actorID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) GetInvocation(ctx context.Context, requestID string) (domain.Invocation, error) {
	return scanInvocation(r.DB.QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE request_id=?`, requestID))
}

type InvocationFilter struct {
	Channel    string
	Kind       string
	ActorID    string
	OnlyFailed bool
	// Cursor returns rows with IDs strictly below it; zero starts at the newest.
	Cursor int64
	Limit  int
}

// ListInvocations returns ledger rows newest first.
func (r Repo) ListInvocations(ctx context.Context, f InvocationFilter) ([]domain.Invocation, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Channel != "" {
		clauses = append(clauses, "channel=?")
		args = append(args, f.Channel)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.OnlyFailed {
		clauses = append(clauses, "ok=0")
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM invocations WHERE %s ORDER BY id DESC LIMIT ?`, invocationColumns, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

// ChannelStats summarizes ledger rows for one channel.
type ChannelStats struct {
	Channel       string         `json:"channel"`
	Total         int            `json:"total"`
	Failed        int            `json:"failed"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
	ByKind        map[string]int `json:"by_kind,omitempty"`
}

// InvocationStats aggregates the ledger per channel, optionally since an
// RFC 3339 timestamp.
func (r Repo) InvocationStats(ctx context.Context, since string) ([]ChannelStats, error) {
	where := ""
	var args []any
	if since != "" {
		where = "WHERE created_at>=?"
		args = append(args, since)
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT channel, COALESCE(kind,''), COUNT(*), SUM(duration_ms)
FROM invocations %s GROUP BY channel, kind ORDER BY channel`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byChannel := map[string]*ChannelStats{}
	var order []string
	totals := map[string]int64{}
	for rows.Next() {
		var channel, kind string
		var count int
		var duration int64
		if err := rows.Scan(&channel, &kind, &count, &duration); err != nil {
			return nil, err
		}
		s, ok := byChannel[channel]
		if !ok {
			s = &ChannelStats{Channel: channel, ByKind: map[string]int{}}
			byChannel[channel] = s
			order = append(order, channel)
		}
		s.Total += count
		totals[channel] += duration
		if kind != "" {
			s.Failed += count
			s.ByKind[kind] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]ChannelStats, 0, len(order))
	for _, ch := range order {
		s := byChannel[ch]
		if s.Total > 0 {
			s.AvgDurationMs = float64(totals[ch]) / float64(s.Total)
		}
		out = append(out, *s)
	}
	return out, nil
}
