package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/softban/internal/domain"
	"github.com/ignite/softban/internal/service/softban"
)

// BlockRepo implements softban.Repository against PostgreSQL.
type BlockRepo struct{ db *sql.DB }

var _ softban.Repository = (*BlockRepo)(nil)

// NewBlockRepo creates a Postgres-backed block repository.
func NewBlockRepo(db *sql.DB) *BlockRepo { return &BlockRepo{db: db} }

const blockColumns = `id, unblock_time, reason, created_at, updated_at`

func (r *BlockRepo) Get(ctx context.Context, id string) (*domain.BlockRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM softban_blocks WHERE id = $1`, id)

	rec, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, softban.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, softban.ErrMalformedRecord) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get block: %w", softban.ErrStoreUnavailable, err)
	}
	return rec, nil
}

func (r *BlockRepo) Upsert(ctx context.Context, rec domain.BlockRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("upsert block: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin upsert: %w", softban.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO softban_blocks (id, unblock_time, reason, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			unblock_time = EXCLUDED.unblock_time,
			reason = EXCLUDED.reason,
			updated_at = NOW()
	`, rec.ID, rec.UnblockTime, nullString(rec.Reason))
	if err != nil {
		return fmt.Errorf("%w: upsert block: %w", softban.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit upsert: %w", softban.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *BlockRepo) Remove(ctx context.Context, id string) error {
	return r.deleteOne(ctx, "remove", `DELETE FROM softban_blocks WHERE id = $1`, id)
}

func (r *BlockRepo) RemoveExpired(ctx context.Context, id string, asOf time.Time) error {
	return r.deleteOne(ctx, "remove expired",
		`DELETE FROM softban_blocks WHERE id = $1 AND unblock_time <= $2`, id, asOf)
}

// deleteOne runs a single DELETE in its own transaction. No affected rows is
// ErrNotFound.
func (r *BlockRepo) deleteOne(ctx context.Context, op, query string, args ...interface{}) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin %s: %w", softban.ErrStoreUnavailable, op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %s block: %w", softban.ErrStoreUnavailable, op, err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s: %w", softban.ErrStoreUnavailable, op, err)
	}
	if n == 0 {
		return softban.ErrNotFound
	}
	return nil
}

func (r *BlockRepo) List(ctx context.Context, f softban.ListFilter) ([]domain.BlockRecord, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	if !f.ActiveAt.IsZero() {
		args = append(args, f.ActiveAt)
		conds = append(conds, fmt.Sprintf("unblock_time > $%d", len(args)))
	}
	if f.Reason != "" {
		args = append(args, f.Reason)
		conds = append(conds, fmt.Sprintf("reason = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM softban_blocks`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count blocks: %w", softban.ErrStoreUnavailable, err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	pageArgs := append(append([]interface{}{}, args...), limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM softban_blocks%s ORDER BY unblock_time DESC, id LIMIT $%d OFFSET $%d`,
		blockColumns, where, len(args)+1, len(args)+2,
	), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list blocks: %w", softban.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := []domain.BlockRecord{}
	for rows.Next() {
		rec, err := scanBlock(rows)
		if errors.Is(err, softban.ErrMalformedRecord) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: scan block: %w", softban.ErrStoreUnavailable, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: iterate blocks: %w", softban.ErrStoreUnavailable, err)
	}
	return out, total, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBlock(s scanner) (*domain.BlockRecord, error) {
	var (
		rec       domain.BlockRecord
		unblock   sql.NullTime
		reason    sql.NullString
		createdAt sql.NullTime
		updatedAt sql.NullTime
	)
	if err := s.Scan(&rec.ID, &unblock, &reason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if !unblock.Valid {
		return nil, fmt.Errorf("%w: block %q has no unblock_time", softban.ErrMalformedRecord, rec.ID)
	}
	rec.UnblockTime = unblock.Time
	rec.Reason = reason.String
	rec.CreatedAt = createdAt.Time
	rec.UpdatedAt = updatedAt.Time
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
