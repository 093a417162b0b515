package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/georgepadayatti/goesign/envelope"
	"github.com/georgepadayatti/goesign/fields"
)

// EnvelopeRecord is the row layout of the envelopes table. The signer,
// placement and audit aggregates are stored as JSON columns.
type EnvelopeRecord struct {
	ID                 string         `gorm:"primaryKey;type:varchar(64)"`
	Title              string         `gorm:"type:text"`
	Reference          string         `gorm:"type:varchar(255)"`
	Template           string         `gorm:"type:varchar(128)"`
	Ordered            bool           `gorm:"not null;default:false"`
	Status             string         `gorm:"type:varchar(32);index"`
	SourceDocumentRef  string         `gorm:"type:varchar(255)"`
	SourceDocumentHash string         `gorm:"type:varchar(128)"`
	CurrentDocumentRef string         `gorm:"type:varchar(255)"`
	FinalDocumentHash  string         `gorm:"type:varchar(128)"`
	HashAlgorithm      string         `gorm:"type:varchar(32)"`
	VoidReason         string         `gorm:"type:text"`
	RecreatedFrom      string         `gorm:"type:varchar(64)"`
	Signers            datatypes.JSON `gorm:"type:jsonb"`
	Placements         datatypes.JSON `gorm:"type:jsonb"`
	AuditTrail         datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt          time.Time      `gorm:"autoCreateTime:false;index"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime:false"`
	CompletedAt        *time.Time     `gorm:"default:null"`
	Version            int64          `gorm:"not null;default:1"`
}

func (EnvelopeRecord) TableName() string { return "envelopes" }

// ToRecord flattens env into a row.
func ToRecord(env *envelope.Envelope) (*EnvelopeRecord, error) {
	signers, err := json.Marshal(env.Signers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signers: %w", err)
	}
	placements, err := json.Marshal(env.Placements)
	if err != nil {
		return nil, fmt.Errorf("failed to encode placements: %w", err)
	}
	trail, err := json.Marshal(env.AuditTrail)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit trail: %w", err)
	}
	return &EnvelopeRecord{
		ID:                 env.ID,
		Title:              env.Title,
		Reference:          env.Reference,
		Template:           env.Template,
		Ordered:            env.Ordered,
		Status:             string(env.Status),
		SourceDocumentRef:  env.SourceDocumentRef,
		SourceDocumentHash: env.SourceDocumentHash,
		CurrentDocumentRef: env.CurrentDocumentRef,
		FinalDocumentHash:  env.FinalDocumentHash,
		HashAlgorithm:      env.HashAlgorithm,
		VoidReason:         env.VoidReason,
		RecreatedFrom:      env.RecreatedFrom,
		Signers:            datatypes.JSON(signers),
		Placements:         datatypes.JSON(placements),
		AuditTrail:         datatypes.JSON(trail),
		CreatedAt:          env.CreatedAt,
		UpdatedAt:          env.UpdatedAt,
		CompletedAt:        env.CompletedAt,
		Version:            env.Version,
	}, nil
}

// Envelope rebuilds the aggregate from a row.
func (r *EnvelopeRecord) Envelope() (*envelope.Envelope, error) {
	env := &envelope.Envelope{
		ID:                 r.ID,
		Title:              r.Title,
		Reference:          r.Reference,
		Template:           r.Template,
		Ordered:            r.Ordered,
		Status:             envelope.Status(r.Status),
		SourceDocumentRef:  r.SourceDocumentRef,
		SourceDocumentHash: r.SourceDocumentHash,
		CurrentDocumentRef: r.CurrentDocumentRef,
		FinalDocumentHash:  r.FinalDocumentHash,
		HashAlgorithm:      r.HashAlgorithm,
		VoidReason:         r.VoidReason,
		RecreatedFrom:      r.RecreatedFrom,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		CompletedAt:        r.CompletedAt,
		Version:            r.Version,
		Placements:         []fields.Placement{},
		AuditTrail:         []envelope.AuditRecord{},
	}
	if err := unmarshalColumn(r.Signers, &env.Signers); err != nil {
		return nil, fmt.Errorf("envelope %s signers: %w", r.ID, err)
	}
	if err := unmarshalColumn(r.Placements, &env.Placements); err != nil {
		return nil, fmt.Errorf("envelope %s placements: %w", r.ID, err)
	}
	if err := unmarshalColumn(r.AuditTrail, &env.AuditTrail); err != nil {
		return nil, fmt.Errorf("envelope %s audit trail: %w", r.ID, err)
	}
	return env, nil
}

func unmarshalColumn(col datatypes.JSON, v any) error {
	if len(col) == 0 || string(col) == "null" {
		return nil
	}
	return json.Unmarshal(col, v)
}

// GormRepository stores envelopes in a relational database.
type GormRepository struct {
	db *gorm.DB
}

// OpenPostgres connects with dsn and silences gorm's own logger.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// NewGormRepository migrates the envelopes table.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&EnvelopeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) Create(ctx context.Context, env *envelope.Envelope) error {
	env.Version = 1
	rec, err := ToRecord(env)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrExists, env.ID)
		}
		return fmt.Errorf("failed to insert envelope %s: %w", env.ID, err)
	}
	return nil
}

func (r *GormRepository) Get(ctx context.Context, id string) (*envelope.Envelope, error) {
	var rec EnvelopeRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load envelope %s: %w", id, err)
	}
	return rec.Envelope()
}

// Update writes the row only where the stored version matches, inside a
// transaction, so the document reference and state always change together.
func (r *GormRepository) Update(ctx context.Context, env *envelope.Envelope, expectedVersion int64) error {
	rec, err := ToRecord(env)
	if err != nil {
		return err
	}
	rec.Version = expectedVersion + 1
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&EnvelopeRecord{}).
			Where("id = ? AND version = ?", env.ID, expectedVersion).
			Select("*").
			Updates(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		var cur EnvelopeRecord
		if err := tx.Select("version").First(&cur, "id = ?", env.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound(env.ID)
			}
			return err
		}
		return conflict(env.ID, expectedVersion, cur.Version)
	})
	if err != nil {
		return err
	}
	env.Version = rec.Version
	return nil
}

func (r *GormRepository) List(ctx context.Context, opts envelope.ListOptions) ([]*envelope.Envelope, error) {
	q := r.db.WithContext(ctx).Model(&EnvelopeRecord{}).Order("created_at, id")
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var recs []EnvelopeRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	out := make([]*envelope.Envelope, 0, len(recs))
	for i := range recs {
		env, err := recs[i].Envelope()
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}
