package match

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/internal/domain/identity"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repo {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const matchCols = `id, identity_a, identity_b, match_type, match_status, score,
	decided_by, decided_at, reject_reason, superseded_by, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, m *IdentityMatch) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.IdentityA, m.IdentityB = PairFor(m.IdentityA, m.IdentityB)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO identity_match (id, identity_a, identity_b, match_type, match_status, score,
			decided_by, decided_at, reject_reason, superseded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.IdentityA, m.IdentityB, m.MatchType, m.MatchStatus, m.Score,
		m.DecidedBy, m.DecidedAt, m.RejectReason, m.SupersededBy)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*IdentityMatch, error) {
	return scanMatch(r.conn(ctx).QueryRow(ctx,
		`SELECT `+matchCols+` FROM identity_match WHERE id = $1`, id))
}

func (r *repoPG) GetByPair(ctx context.Context, x, y uuid.UUID) (*IdentityMatch, error) {
	a, b := PairFor(x, y)
	return scanMatch(r.conn(ctx).QueryRow(ctx,
		`SELECT `+matchCols+` FROM identity_match WHERE identity_a = $1 AND identity_b = $2`, a, b))
}

func (r *repoPG) Update(ctx context.Context, m *IdentityMatch) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE identity_match SET match_type=$2, match_status=$3, score=$4,
			decided_by=$5, decided_at=$6, reject_reason=$7, superseded_by=$8, updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.MatchType, m.MatchStatus, m.Score, m.DecidedBy, m.DecidedAt, m.RejectReason, m.SupersededBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]*IdentityMatch, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+matchCols+` FROM identity_match
		 WHERE identity_a = $1 OR identity_b = $1 ORDER BY created_at`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

func (r *repoPG) ListPending(ctx context.Context, limit, offset int) ([]*IdentityMatch, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM identity_match WHERE match_status = 'PENDING'`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+matchCols+` FROM identity_match
		 WHERE match_status = 'PENDING' ORDER BY score DESC, created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list, err := scanMatches(rows)
	return list, total, err
}

func (r *repoPG) Reparent(ctx context.Context, fromID, toID uuid.UUID) error {
	rows, err := r.ListByIdentity(ctx, fromID)
	if err != nil {
		return err
	}
	for _, m := range rows {
		other := m.Other(fromID)
		if other == toID {
			// The row between the pair being merged is the decision
			// record; it stays put as history.
			continue
		}
		existing, err := r.GetByPair(ctx, toID, other)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return err
		}
		if existing != nil {
			// The relationship is already tracked against the master;
			// the stale row is marked superseded, never deleted.
			if _, err := r.conn(ctx).Exec(ctx,
				`UPDATE identity_match SET match_status=$2, superseded_by=$3, updated_at=NOW() WHERE id = $1`,
				m.ID, StatusSuperseded, existing.ID); err != nil {
				return err
			}
			continue
		}
		a, b := PairFor(toID, other)
		if _, err := r.conn(ctx).Exec(ctx,
			`UPDATE identity_match SET identity_a=$2, identity_b=$3, updated_at=NOW() WHERE id = $1`,
			m.ID, a, b); err != nil {
			return err
		}
	}
	return nil
}

func scanMatch(row pgx.Row) (*IdentityMatch, error) {
	m := &IdentityMatch{}
	err := row.Scan(&m.ID, &m.IdentityA, &m.IdentityB, &m.MatchType, &m.MatchStatus, &m.Score,
		&m.DecidedBy, &m.DecidedAt, &m.RejectReason, &m.SupersededBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func scanMatches(rows pgx.Rows) ([]*IdentityMatch, error) {
	var list []*IdentityMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}
