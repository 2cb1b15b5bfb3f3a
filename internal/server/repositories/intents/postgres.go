package intents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/dbx"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
)

// PostgresRepository implements intent storage over a dbx.DBTX (*sql.DB or *sql.Tx).
//
// Each status change is also appended to intent_transitions in the same
// transaction, which gives operators an audit trail of the lifecycle.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const intentColumns = `id, principal_id, merchant_id, merchant_order_id, description,
	amount_minor, currency, method, status, envelope, key_hash,
	created_at, updated_at, expires_at, processed_at,
	external_reference, failure_reason, metadata`

// inTx runs fn in a new transaction when the repository holds a *sql.DB,
// or directly on the handle when it is already transactional.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	if db, ok := r.db.(*sql.DB); ok {
		return dbx.WithTx(ctx, db, nil, fn)
	}
	return fn(ctx, r.db)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("db error: %s: %w: %w", op, common.ErrStorage, err)
}

// Create inserts rec together with its initial transition.
func (r *PostgresRepository) Create(ctx context.Context, rec *models.IntentRecord) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		query := `
			INSERT INTO intents (` + intentColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`
		_, err := tx.ExecContext(ctx, query,
			rec.ID, rec.PrincipalID, rec.MerchantID, rec.MerchantOrderID, rec.Description,
			int64(rec.Amount), rec.Currency, string(rec.Method), string(rec.Status), rec.Envelope, rec.KeyHash,
			rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt, rec.ProcessedAt,
			rec.ExternalReference, rec.FailureReason, meta,
		)
		if err != nil {
			return storageErr("insert intent", err)
		}
		return insertTransition(ctx, tx, rec.ID, newTransition(rec, "", rec.CreatedAt))
	})
}

// Get loads a record by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.IntentRecord, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE id = $1`

	rec, err := scanIntent(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, storageErr("select intent", err)
	}
	return rec, nil
}

// Save performs the conditional status update described on Repository.
func (r *PostgresRepository) Save(ctx context.Context, rec *models.IntentRecord, expected models.Status) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		query := `
			UPDATE intents SET
				status = $1,
				updated_at = $2,
				processed_at = $3,
				external_reference = $4,
				failure_reason = $5,
				metadata = $6
			WHERE id = $7 AND status = $8
		`
		res, err := tx.ExecContext(ctx, query,
			string(rec.Status), rec.UpdatedAt, rec.ProcessedAt,
			rec.ExternalReference, rec.FailureReason, meta,
			rec.ID, string(expected),
		)
		if err != nil {
			return storageErr("update intent", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("rows affected", err)
		}
		switch n {
		case 1:
		case 0:
			return common.ErrStatusConflict
		default:
			return fmt.Errorf("unexpected rows affected: %d", n)
		}

		return insertTransition(ctx, tx, rec.ID, newTransition(rec, expected, rec.UpdatedAt))
	})
}

// FindByPrincipal returns a page of the principal's history.
func (r *PostgresRepository) FindByPrincipal(ctx context.Context, principalID string, page models.Page) ([]*models.IntentRecord, int64, error) {
	page = page.Normalize()

	var total int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intents WHERE principal_id = $1`, principalID,
	).Scan(&total); err != nil {
		return nil, 0, storageErr("count intents", err)
	}

	query := `SELECT ` + intentColumns + ` FROM intents
		WHERE principal_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, principalID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, storageErr("select intents", err)
	}
	defer rows.Close()

	result, err := scanIntents(rows)
	if err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

// ListStale supports the janitor sweeps.
func (r *PostgresRepository) ListStale(ctx context.Context, status models.Status, before time.Time, limit int) ([]*models.IntentRecord, error) {
	column := "updated_at"
	if status == models.StatusPending {
		column = "expires_at"
	}

	query := `SELECT ` + intentColumns + ` FROM intents
		WHERE status = $1 AND ` + column + ` < $2
		ORDER BY ` + column + `
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, string(status), before, limit)
	if err != nil {
		return nil, storageErr("select stale intents", err)
	}
	defer rows.Close()

	return scanIntents(rows)
}

// Transitions returns the audit trail of an intent.
func (r *PostgresRepository) Transitions(ctx context.Context, intentID string) ([]models.Transition, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM intents WHERE id = $1)`, intentID).Scan(&exists); err != nil {
		return nil, storageErr("select intent", err)
	}
	if !exists {
		return nil, common.ErrorNotFound
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT from_status, to_status, reason, client_ip, user_agent, at
		FROM intent_transitions
		WHERE intent_id = $1
		ORDER BY id
	`, intentID)
	if err != nil {
		return nil, storageErr("select transitions", err)
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var (
			tr       models.Transition
			from, to string
		)
		if err := rows.Scan(&from, &to, &tr.Reason, &tr.ClientIP, &tr.UserAgent, &tr.At); err != nil {
			return nil, storageErr("scan transition", err)
		}
		tr.From, tr.To = models.Status(from), models.Status(to)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate transitions", err)
	}
	return out, nil
}

func insertTransition(ctx context.Context, tx dbx.DBTX, id string, tr models.Transition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO intent_transitions (intent_id, from_status, to_status, reason, client_ip, user_agent, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		id, string(tr.From), string(tr.To), tr.Reason, tr.ClientIP, tr.UserAgent, tr.At,
	)
	if err != nil {
		return storageErr("insert transition", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*models.IntentRecord, error) {
	var (
		rec         models.IntentRecord
		amount      int64
		method      string
		status      string
		processedAt sql.NullTime
		meta        []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.PrincipalID, &rec.MerchantID, &rec.MerchantOrderID, &rec.Description,
		&amount, &rec.Currency, &method, &status, &rec.Envelope, &rec.KeyHash,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt, &processedAt,
		&rec.ExternalReference, &rec.FailureReason, &meta,
	); err != nil {
		return nil, err
	}

	rec.Amount = models.Amount(amount)
	rec.Method = models.Method(method)
	rec.Status = models.Status(status)
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &rec, nil
}

func scanIntents(rows *sql.Rows) ([]*models.IntentRecord, error) {
	var result []*models.IntentRecord
	for rows.Next() {
		rec, err := scanIntent(rows)
		if err != nil {
			return nil, storageErr("scan intent", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate intents", err)
	}
	return result, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}
