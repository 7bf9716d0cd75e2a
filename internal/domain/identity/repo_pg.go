package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

// NewStore returns the postgres-backed Store.
func NewStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *storePG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const identityCols = `id, mpi_id, source_system, external_patient_id,
	first_name, middle_name, last_name, date_of_birth, gender, ssn,
	phones, emails, addresses,
	identity_status, verification_status, is_master, master_patient_id,
	confidence_score, data_quality_score, completeness_score,
	access_count, last_accessed_at, verified_by, verified_at,
	demographics_updated_at, version, created_at, updated_at, created_by, updated_by`

func (r *storePG) Create(ctx context.Context, i *Identity) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	addresses, err := json.Marshal(i.Addresses)
	if err != nil {
		return fmt.Errorf("identity create: marshal addresses: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO identity (
			id, mpi_id, source_system, external_patient_id,
			first_name, middle_name, last_name, date_of_birth, gender, ssn,
			phones, emails, addresses,
			identity_status, verification_status, is_master, master_patient_id,
			confidence_score, data_quality_score, completeness_score,
			demographics_updated_at, version, created_by, updated_by
		) VALUES (
			$1,$2,$3,$4,
			$5,$6,$7,$8,$9,$10,
			$11,$12,$13,
			$14,$15,$16,$17,
			$18,$19,$20,
			$21,1,$22,$22
		)`,
		i.ID, i.MPIID, i.SourceSystem, i.ExternalPatientID,
		i.FirstName, i.MiddleName, i.LastName, i.DateOfBirth, i.Gender, i.SSN,
		i.Phones, i.Emails, addresses,
		i.Status, i.Verification, i.IsMaster, i.MasterID,
		i.ConfidenceScore, i.DataQualityScore, i.CompletenessScore,
		i.DemographicsUpdatedAt, i.CreatedBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "mpi_id") {
				return &DuplicateMPIIDError{MPIID: i.MPIID}
			}
		}
		return err
	}
	i.Version = 1
	return nil
}

func (r *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return scanIdentity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+identityCols+` FROM identity WHERE id = $1 AND identity_status <> 'DELETED'`, id))
}

func (r *storePG) GetByIDIncludingDeleted(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return scanIdentity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+identityCols+` FROM identity WHERE id = $1`, id))
}

func (r *storePG) GetByMPIID(ctx context.Context, mpiID string) (*Identity, error) {
	return scanIdentity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+identityCols+` FROM identity WHERE mpi_id = $1 AND identity_status <> 'DELETED'`, mpiID))
}

func (r *storePG) GetByExternalID(ctx context.Context, sourceSystem, externalPatientID string) (*Identity, error) {
	return scanIdentity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+identityCols+` FROM identity
		 WHERE source_system = $1 AND external_patient_id = $2 AND identity_status <> 'DELETED'`,
		sourceSystem, externalPatientID))
}

func (r *storePG) GetBySSN(ctx context.Context, ssn string) ([]*Identity, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+identityCols+` FROM identity
		 WHERE ssn = $1 AND identity_status <> 'DELETED' ORDER BY created_at`, ssn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIdentities(rows)
}

func (r *storePG) SearchByDemographics(ctx context.Context, q DemographicQuery) ([]*Identity, error) {
	var conds []string
	var args []interface{}
	idx := 1
	add := func(cond string, arg interface{}) {
		conds = append(conds, fmt.Sprintf(cond, idx))
		args = append(args, arg)
		idx++
	}

	if q.LastName != "" {
		add("last_name ILIKE $%d", firstLetterPrefix(q.LastName))
	}
	if q.DateOfBirth != nil {
		// Same birth year keeps transposed-date variants in the pool.
		add("date_part('year', date_of_birth) = $%d", q.DateOfBirth.Year())
	}
	if q.Phone != "" {
		add("$%d = ANY(phones)", q.Phone)
	}
	if q.Email != "" {
		add("$%d = ANY(emails)", q.Email)
	}
	if len(conds) == 0 {
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	sql := `SELECT ` + identityCols + ` FROM identity
		WHERE identity_status <> 'DELETED' AND (` + strings.Join(conds, " OR ") + `)
		ORDER BY created_at LIMIT $` + fmt.Sprint(idx)

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIdentities(rows)
}

// firstLetterPrefix widens a surname to its initial so near spellings
// survive the SQL filter; precise ranking happens in the scorer.
func firstLetterPrefix(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "%"
	}
	return name[:1] + "%"
}

func (r *storePG) Update(ctx context.Context, i *Identity, expectedVersion int) error {
	if err := i.CheckLinkInvariants(); err != nil {
		return err
	}
	addresses, err := json.Marshal(i.Addresses)
	if err != nil {
		return fmt.Errorf("identity update: marshal addresses: %w", err)
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE identity SET
			first_name=$3, middle_name=$4, last_name=$5, date_of_birth=$6, gender=$7, ssn=$8,
			phones=$9, emails=$10, addresses=$11,
			identity_status=$12, verification_status=$13, is_master=$14, master_patient_id=$15,
			confidence_score=$16, data_quality_score=$17, completeness_score=$18,
			verified_by=$19, verified_at=$20, demographics_updated_at=$21,
			updated_by=$22, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		i.ID, expectedVersion,
		i.FirstName, i.MiddleName, i.LastName, i.DateOfBirth, i.Gender, i.SSN,
		i.Phones, i.Emails, addresses,
		i.Status, i.Verification, i.IsMaster, i.MasterID,
		i.ConfidenceScore, i.DataQualityScore, i.CompletenessScore,
		i.VerifiedBy, i.VerifiedAt, i.DemographicsUpdatedAt,
		i.UpdatedBy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM identity WHERE id = $1)`, i.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return &ConflictError{ID: i.ID, Expected: expectedVersion}
	}
	i.Version = expectedVersion + 1
	return nil
}

func (r *storePG) List(ctx context.Context, limit, offset int) ([]*Identity, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM identity WHERE identity_status <> 'DELETED'`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+identityCols+` FROM identity
		 WHERE identity_status <> 'DELETED' ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list, err := scanIdentities(rows)
	return list, total, err
}

func (r *storePG) ListByMaster(ctx context.Context, masterID uuid.UUID) ([]*Identity, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+identityCols+` FROM identity
		 WHERE master_patient_id = $1 AND identity_status <> 'DELETED' ORDER BY created_at`, masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIdentities(rows)
}

func (r *storePG) MPIIDExists(ctx context.Context, mpiID string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM identity WHERE mpi_id = $1)`, mpiID).Scan(&exists)
	return exists, err
}

func (r *storePG) TouchAccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE identity SET access_count = access_count + 1, last_accessed_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *storePG) AddAlias(ctx context.Context, a *Alias) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO identity_alias (id, identity_id, alias_type, first_name, last_name, date_of_birth, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.IdentityID, a.AliasType, a.FirstName, a.LastName, a.DateOfBirth, a.CreatedBy)
	return err
}

func (r *storePG) ListAliases(ctx context.Context, identityID uuid.UUID) ([]*Alias, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, identity_id, alias_type, first_name, last_name, date_of_birth, created_at, created_by
		FROM identity_alias WHERE identity_id = $1 ORDER BY created_at`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []*Alias
	for rows.Next() {
		a := &Alias{}
		if err := rows.Scan(&a.ID, &a.IdentityID, &a.AliasType, &a.FirstName, &a.LastName,
			&a.DateOfBirth, &a.CreatedAt, &a.CreatedBy); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

func (r *storePG) ReparentAliases(ctx context.Context, fromID, toID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE identity_alias SET identity_id = $2 WHERE identity_id = $1`, fromID, toID)
	return err
}

func (r *storePG) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(db.WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanIdentity(row pgx.Row) (*Identity, error) {
	i := &Identity{}
	var addresses []byte
	err := row.Scan(
		&i.ID, &i.MPIID, &i.SourceSystem, &i.ExternalPatientID,
		&i.FirstName, &i.MiddleName, &i.LastName, &i.DateOfBirth, &i.Gender, &i.SSN,
		&i.Phones, &i.Emails, &addresses,
		&i.Status, &i.Verification, &i.IsMaster, &i.MasterID,
		&i.ConfidenceScore, &i.DataQualityScore, &i.CompletenessScore,
		&i.AccessCount, &i.LastAccessedAt, &i.VerifiedBy, &i.VerifiedAt,
		&i.DemographicsUpdatedAt, &i.Version, &i.CreatedAt, &i.UpdatedAt, &i.CreatedBy, &i.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(addresses) > 0 {
		if err := json.Unmarshal(addresses, &i.Addresses); err != nil {
			return nil, fmt.Errorf("identity scan: unmarshal addresses: %w", err)
		}
	}
	return i, nil
}

func scanIdentities(rows pgx.Rows) ([]*Identity, error) {
	var list []*Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, i)
	}
	return list, rows.Err()
}
