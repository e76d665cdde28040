// Package tags owns per-tag state: the registry of provisioned chips and the replay guard that advances their counters.
package tags

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signature"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRegistryNew = "tags.registry.new"
	opLookup      = "tags.lookup"
	opSeed        = "tags.seed"
	opReset       = "tags.reset"

	fieldUID           = "uid"
	queryUID           = fieldUID + " = ?"
	reasonMissingDB    = "missing_database"
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"
	reasonDeleteFailed = "delete_failed"
	reasonUpdateFailed = "update_failed"
	reasonAdvanceRaced = "advance_raced"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// RegistryConfig describes the registry dependencies.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry is the authoritative store of provisioned tags. It never writes
// last_accepted_counter; only ReplayGuard does.
type Registry struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opRegistryNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Lookup returns the tag for uid or ErrTagNotFound.
func (r *Registry) Lookup(ctx context.Context, uid signature.UID) (Tag, error) {
	if r == nil || r.db == nil {
		return Tag{}, serviceerror.New(opLookup, reasonMissingDB, errMissingDatabase)
	}
	var tag Tag
	err := r.db.WithContext(ctx).Where(queryUID, uid.String()).Take(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tag{}, ErrTagNotFound
	}
	if err != nil {
		r.logError(opLookup, reasonQueryFailed, err, zap.String(fieldUID, uid.String()))
		return Tag{}, serviceerror.New(opLookup, reasonQueryFailed, err)
	}
	return tag, nil
}

// Seed inserts provisions whose uid is not yet registered and returns how many
// were inserted. Existing tags, including their counters, are left untouched.
func (r *Registry) Seed(ctx context.Context, provisions []Provision) (int, error) {
	if r == nil || r.db == nil {
		return 0, serviceerror.New(opSeed, reasonMissingDB, errMissingDatabase)
	}
	if len(provisions) == 0 {
		return 0, nil
	}
	nowSeconds := r.clock().UTC().Unix()
	inserted := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, provision := range provisions {
			model := provision.toModel(nowSeconds)
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
			if result.Error != nil {
				r.logError(opSeed, reasonInsertFailed, result.Error, zap.String(fieldUID, model.UID))
				return serviceerror.New(opSeed, reasonInsertFailed, result.Error)
			}
			inserted += int(result.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if inserted > 0 {
		r.logger.Info("tags provisioned", zap.Int("inserted", inserted), zap.Int("requested", len(provisions)))
	}
	return inserted, nil
}

// Reset removes every tag. Intended for test isolation and demo resets.
func (r *Registry) Reset(ctx context.Context) error {
	if r == nil || r.db == nil {
		return serviceerror.New(opReset, reasonMissingDB, errMissingDatabase)
	}
	if err := r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Tag{}).Error; err != nil {
		r.logError(opReset, reasonDeleteFailed, err)
		return serviceerror.New(opReset, reasonDeleteFailed, err)
	}
	return nil
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(r.logger, operation, reason, err, fields...)
}

func logServiceError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("tags service error", attrs...)
}
