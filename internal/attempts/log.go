// Package attempts is the append-only record of verification attempts.
package attempts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLogNew              = "attempts.log.new"
	opAppend              = "attempts.append"
	opRecent              = "attempts.recent"
	opAll                 = "attempts.all"
	opBetween             = "attempts.between"
	opCountByOutcome      = "attempts.count_by_outcome"
	opRecordNotarization  = "attempts.record_notarization"
	opLookupNotarization  = "attempts.notarization"
	reasonMissingDatabase = "missing_database"
	reasonInvalidAttempt  = "invalid_attempt"
	reasonMissingTx       = "missing_transaction"
	reasonInsertFailed    = "insert_failed"
	reasonQueryFailed     = "query_failed"
	reasonEmptyReference  = "empty_reference"

	columnID         = "id"
	columnOutcome    = "outcome"
	columnRecordedAt = "recorded_at_s"
	orderIDDesc      = columnID + " DESC"
	orderIDAsc       = columnID + " ASC"
	queryRecordedIn  = columnRecordedAt + " >= ? AND " + columnRecordedAt + " < ?"
	queryAttemptIDIn = "attempt_id IN ?"
	queryAttemptID   = "attempt_id = ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errEmptyReference  = errors.New("notarization reference is required")
	noOpLogger         = zap.NewNop()
)

// LogConfig describes the attempt log dependencies.
type LogConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Log stores verification attempts. It exposes no update or delete.
type Log struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLog constructs a Log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opLogNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Log{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append inserts attempt using tx, which must be the transaction of the
// replay guard's critical section for attempt.TagUID. The assigned id and
// timestamp are written back into attempt.
func (l *Log) Append(tx *gorm.DB, attempt *Attempt) error {
	if tx == nil {
		return serviceerror.New(opAppend, reasonMissingTx, ErrMissingTransaction)
	}
	if err := attempt.validate(); err != nil {
		return serviceerror.New(opAppend, reasonInvalidAttempt, err)
	}
	if attempt.RecordedAtSeconds == 0 {
		attempt.RecordedAtSeconds = l.clock().UTC().Unix()
	}
	if err := tx.Create(attempt).Error; err != nil {
		l.logError(opAppend, reasonInsertFailed, err, zap.String("tag_uid", attempt.TagUID))
		return serviceerror.New(opAppend, reasonInsertFailed, err)
	}
	return nil
}

// Recent returns up to limit attempts, most recent first, with notarization references.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if l == nil || l.db == nil {
		return nil, serviceerror.New(opRecent, reasonMissingDatabase, errMissingDatabase)
	}
	if limit <= 0 {
		return []Entry{}, nil
	}
	var records []Attempt
	if err := l.db.WithContext(ctx).Order(orderIDDesc).Limit(limit).Find(&records).Error; err != nil {
		l.logError(opRecent, reasonQueryFailed, err)
		return nil, serviceerror.New(opRecent, reasonQueryFailed, err)
	}
	if len(records) == 0 {
		return []Entry{}, nil
	}

	ids := make([]uint64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	var notarizations []Notarization
	if err := l.db.WithContext(ctx).Where(queryAttemptIDIn, ids).Find(&notarizations).Error; err != nil {
		l.logError(opRecent, reasonQueryFailed, err)
		return nil, serviceerror.New(opRecent, reasonQueryFailed, err)
	}
	references := make(map[uint64]string, len(notarizations))
	for _, notarization := range notarizations {
		references[notarization.AttemptID] = notarization.Reference
	}

	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, Entry{Attempt: record, NotarizationRef: references[record.ID]})
	}
	return entries, nil
}

// All returns every attempt in append order.
func (l *Log) All(ctx context.Context) ([]Attempt, error) {
	if l == nil || l.db == nil {
		return nil, serviceerror.New(opAll, reasonMissingDatabase, errMissingDatabase)
	}
	var records []Attempt
	if err := l.db.WithContext(ctx).Order(orderIDAsc).Find(&records).Error; err != nil {
		l.logError(opAll, reasonQueryFailed, err)
		return nil, serviceerror.New(opAll, reasonQueryFailed, err)
	}
	return records, nil
}

// Between returns attempts recorded in [from, to) in append order.
func (l *Log) Between(ctx context.Context, from, to time.Time) ([]Attempt, error) {
	if l == nil || l.db == nil {
		return nil, serviceerror.New(opBetween, reasonMissingDatabase, errMissingDatabase)
	}
	var records []Attempt
	if err := l.db.WithContext(ctx).
		Where(queryRecordedIn, from.UTC().Unix(), to.UTC().Unix()).
		Order(orderIDAsc).
		Find(&records).Error; err != nil {
		l.logError(opBetween, reasonQueryFailed, err)
		return nil, serviceerror.New(opBetween, reasonQueryFailed, err)
	}
	return records, nil
}

type outcomeCount struct {
	Outcome Outcome
	Total   int64
}

// CountByOutcome returns the number of attempts per outcome.
func (l *Log) CountByOutcome(ctx context.Context) (map[Outcome]int64, error) {
	if l == nil || l.db == nil {
		return nil, serviceerror.New(opCountByOutcome, reasonMissingDatabase, errMissingDatabase)
	}
	var rows []outcomeCount
	if err := l.db.WithContext(ctx).
		Model(&Attempt{}).
		Select(columnOutcome + " AS outcome, COUNT(*) AS total").
		Group(columnOutcome).
		Scan(&rows).Error; err != nil {
		l.logError(opCountByOutcome, reasonQueryFailed, err)
		return nil, serviceerror.New(opCountByOutcome, reasonQueryFailed, err)
	}
	counts := make(map[Outcome]int64, len(rows))
	for _, row := range rows {
		counts[row.Outcome] = row.Total
	}
	return counts, nil
}

// RecordNotarization stores the ledger reference for an attempt. The first
// reference wins; it reports whether this call stored it.
func (l *Log) RecordNotarization(ctx context.Context, attemptID uint64, reference string) (bool, error) {
	if l == nil || l.db == nil {
		return false, serviceerror.New(opRecordNotarization, reasonMissingDatabase, errMissingDatabase)
	}
	trimmed := strings.TrimSpace(reference)
	if trimmed == "" {
		return false, serviceerror.New(opRecordNotarization, reasonEmptyReference, errEmptyReference)
	}
	record := Notarization{
		AttemptID:         attemptID,
		Reference:         trimmed,
		RecordedAtSeconds: l.clock().UTC().Unix(),
	}
	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		l.logError(opRecordNotarization, reasonInsertFailed, result.Error, zap.Uint64("attempt_id", attemptID))
		return false, serviceerror.New(opRecordNotarization, reasonInsertFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Notarization returns the stored ledger reference for an attempt.
func (l *Log) Notarization(ctx context.Context, attemptID uint64) (string, bool, error) {
	if l == nil || l.db == nil {
		return "", false, serviceerror.New(opLookupNotarization, reasonMissingDatabase, errMissingDatabase)
	}
	var record Notarization
	err := l.db.WithContext(ctx).Where(queryAttemptID, attemptID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		l.logError(opLookupNotarization, reasonQueryFailed, err, zap.Uint64("attempt_id", attemptID))
		return "", false, serviceerror.New(opLookupNotarization, reasonQueryFailed, err)
	}
	return record.Reference, true, nil
}

func (l *Log) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := noOpLogger
	if l != nil && l.logger != nil {
		logger = l.logger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("attempt log error", attrs...)
}
