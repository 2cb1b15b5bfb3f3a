package intents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"gorm.io/gorm"
)

// intentRow is the GORM mapping of an intent. It mirrors the PostgreSQL
// schema so both stores hold the same data.
type intentRow struct {
	ID                string `gorm:"primaryKey;size:36"`
	PrincipalID       string `gorm:"index:idx_intents_principal_created,priority:1;not null"`
	MerchantID        string
	MerchantOrderID   string
	Description       string
	AmountMinor       int64     `gorm:"not null"`
	Currency          string    `gorm:"size:3;not null"`
	Method            string    `gorm:"not null"`
	Status            string    `gorm:"index:idx_intents_status;not null"`
	Envelope          []byte    `gorm:"not null"`
	KeyHash           string    `gorm:"not null"`
	CreatedAt         time.Time `gorm:"index:idx_intents_principal_created,priority:2;autoCreateTime:false"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
	ExpiresAt         time.Time
	ProcessedAt       *time.Time
	ExternalReference string
	FailureReason     string
	Metadata          []byte
}

func (intentRow) TableName() string { return "intents" }

type transitionRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	IntentID   string `gorm:"index:idx_transitions_intent;size:36;not null"`
	FromStatus string `gorm:"not null"`
	ToStatus   string `gorm:"not null"`
	Reason     string `gorm:"not null;default:''"`
	ClientIP   string `gorm:"not null;default:''"`
	UserAgent  string `gorm:"not null;default:''"`
	At         time.Time
}

func (transitionRow) TableName() string { return "intent_transitions" }

func toTransitionRow(id string, tr models.Transition) *transitionRow {
	return &transitionRow{
		IntentID:   id,
		FromStatus: string(tr.From),
		ToStatus:   string(tr.To),
		Reason:     tr.Reason,
		ClientIP:   tr.ClientIP,
		UserAgent:  tr.UserAgent,
		At:         tr.At,
	}
}

// GormRepository stores intents through GORM. It backs the single-node
// "sqlite" storage driver.
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates or updates the intents and intent_transitions tables.
func (r *GormRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&intentRow{}, &transitionRow{})
}

func (r *GormRepository) Create(ctx context.Context, rec *models.IntentRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return storageErr("insert intent", err)
		}
		if err := tx.Create(toTransitionRow(rec.ID, newTransition(rec, "", rec.CreatedAt))).Error; err != nil {
			return storageErr("insert transition", err)
		}
		return nil
	})
}

func (r *GormRepository) Get(ctx context.Context, id string) (*models.IntentRecord, error) {
	var row intentRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, storageErr("select intent", err)
	}
	return fromRow(&row)
}

func (r *GormRepository) Save(ctx context.Context, rec *models.IntentRecord, expected models.Status) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&intentRow{}).
			Where("id = ? AND status = ?", rec.ID, string(expected)).
			Updates(map[string]any{
				"status":             string(rec.Status),
				"updated_at":         rec.UpdatedAt,
				"processed_at":       rec.ProcessedAt,
				"external_reference": rec.ExternalReference,
				"failure_reason":     rec.FailureReason,
				"metadata":           meta,
			})
		if res.Error != nil {
			return storageErr("update intent", res.Error)
		}
		if res.RowsAffected == 0 {
			return common.ErrStatusConflict
		}
		if err := tx.Create(toTransitionRow(rec.ID, newTransition(rec, expected, rec.UpdatedAt))).Error; err != nil {
			return storageErr("insert transition", err)
		}
		return nil
	})
}

func (r *GormRepository) Transitions(ctx context.Context, intentID string) ([]models.Transition, error) {
	db := r.db.WithContext(ctx)

	var n int64
	if err := db.Model(&intentRow{}).Where("id = ?", intentID).Count(&n).Error; err != nil {
		return nil, storageErr("count intent", err)
	}
	if n == 0 {
		return nil, common.ErrorNotFound
	}

	var rows []transitionRow
	if err := db.Where("intent_id = ?", intentID).Order("id").Find(&rows).Error; err != nil {
		return nil, storageErr("select transitions", err)
	}

	out := make([]models.Transition, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Transition{
			From:      models.Status(row.FromStatus),
			To:        models.Status(row.ToStatus),
			Reason:    row.Reason,
			ClientIP:  row.ClientIP,
			UserAgent: row.UserAgent,
			At:        row.At,
		})
	}
	return out, nil
}

func (r *GormRepository) FindByPrincipal(ctx context.Context, principalID string, page models.Page) ([]*models.IntentRecord, int64, error) {
	page = page.Normalize()
	q := r.db.WithContext(ctx).Model(&intentRow{}).Where("principal_id = ?", principalID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, storageErr("count intents", err)
	}

	var rows []intentRow
	if err := q.Order("created_at DESC").Order("id").
		Limit(page.Limit).Offset(page.Offset()).
		Find(&rows).Error; err != nil {
		return nil, 0, storageErr("select intents", err)
	}

	out, err := fromRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *GormRepository) ListStale(ctx context.Context, status models.Status, before time.Time, limit int) ([]*models.IntentRecord, error) {
	column := "updated_at"
	if status == models.StatusPending {
		column = "expires_at"
	}

	var rows []intentRow
	if err := r.db.WithContext(ctx).
		Where("status = ? AND "+column+" < ?", string(status), before).
		Order(column).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, storageErr("select stale intents", err)
	}
	return fromRows(rows)
}

func toRow(rec *models.IntentRecord) (*intentRow, error) {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	return &intentRow{
		ID:                rec.ID,
		PrincipalID:       rec.PrincipalID,
		MerchantID:        rec.MerchantID,
		MerchantOrderID:   rec.MerchantOrderID,
		Description:       rec.Description,
		AmountMinor:       int64(rec.Amount),
		Currency:          rec.Currency,
		Method:            string(rec.Method),
		Status:            string(rec.Status),
		Envelope:          rec.Envelope,
		KeyHash:           rec.KeyHash,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		ExpiresAt:         rec.ExpiresAt,
		ProcessedAt:       rec.ProcessedAt,
		ExternalReference: rec.ExternalReference,
		FailureReason:     rec.FailureReason,
		Metadata:          meta,
	}, nil
}

func fromRow(row *intentRow) (*models.IntentRecord, error) {
	rec := &models.IntentRecord{
		ID:                row.ID,
		PrincipalID:       row.PrincipalID,
		MerchantID:        row.MerchantID,
		MerchantOrderID:   row.MerchantOrderID,
		Description:       row.Description,
		Amount:            models.Amount(row.AmountMinor),
		Currency:          row.Currency,
		Method:            models.Method(row.Method),
		Status:            models.Status(row.Status),
		Envelope:          row.Envelope,
		KeyHash:           row.KeyHash,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		ExpiresAt:         row.ExpiresAt,
		ProcessedAt:       row.ProcessedAt,
		ExternalReference: row.ExternalReference,
		FailureReason:     row.FailureReason,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}

func fromRows(rows []intentRow) ([]*models.IntentRecord, error) {
	out := make([]*models.IntentRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
