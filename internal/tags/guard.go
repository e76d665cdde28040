package tags

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signature"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opGuardNew   = "tags.guard.new"
	opTryAdvance = "tags.try_advance"
	opSerialize  = "tags.serialize"

	defaultLockStripes = 256

	columnLastAccepted = "last_accepted_counter"
	columnUpdatedAt    = "updated_at_s"
	queryAdvance       = fieldUID + " = ? AND " + columnLastAccepted + " < ?"
)

// Decision is the replay guard verdict for one candidate counter.
type Decision struct {
	Accepted bool
	// Previous is the last accepted counter observed inside the critical section.
	Previous uint32
	Counter  uint32
}

// RecordFunc runs inside the guard's critical section and transaction.
// Returning an error rolls back the counter advance.
type RecordFunc func(tx *gorm.DB, decision Decision) error

// GuardConfig describes the replay guard dependencies.
type GuardConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// Stripes is the number of lock stripes; values <= 0 use the default.
	Stripes int
}

// ReplayGuard serializes counter decisions per uid and is the only writer of
// last_accepted_counter.
type ReplayGuard struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	locks  *stripedLocks
}

// NewReplayGuard constructs a ReplayGuard.
func NewReplayGuard(cfg GuardConfig) (*ReplayGuard, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opGuardNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	stripes := cfg.Stripes
	if stripes <= 0 {
		stripes = defaultLockStripes
	}
	return &ReplayGuard{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		locks:  newStripedLocks(stripes),
	}, nil
}

// TryAdvance accepts counter iff it is strictly greater than the tag's last
// accepted counter, storing it in the same critical section.
func (g *ReplayGuard) TryAdvance(ctx context.Context, uid signature.UID, counter uint32) (Decision, error) {
	return g.Commit(ctx, uid, counter, nil)
}

// Commit decides on counter and, in the same critical section and transaction,
// invokes record with the decision. A record error undoes the advance.
func (g *ReplayGuard) Commit(ctx context.Context, uid signature.UID, counter uint32, record RecordFunc) (Decision, error) {
	var decision Decision
	err := g.Serialize(ctx, uid, func(tx *gorm.DB) error {
		var err error
		decision, err = g.decide(tx, uid, counter)
		if err != nil {
			return err
		}
		if record != nil {
			return record(tx, decision)
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Serialize runs fn inside the per-uid critical section and a database
// transaction without touching counter state.
func (g *ReplayGuard) Serialize(ctx context.Context, uid signature.UID, fn func(tx *gorm.DB) error) error {
	if g == nil || g.db == nil {
		return serviceerror.New(opSerialize, reasonMissingDB, errMissingDatabase)
	}
	unlock := g.locks.lock(uid.String())
	defer unlock()
	return g.db.WithContext(ctx).Transaction(fn)
}

func (g *ReplayGuard) decide(tx *gorm.DB, uid signature.UID, counter uint32) (Decision, error) {
	var current Tag
	err := tx.Select(fieldUID, columnLastAccepted).Where(queryUID, uid.String()).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Decision{}, ErrTagNotFound
	}
	if err != nil {
		logServiceError(g.logger, opTryAdvance, reasonQueryFailed, err, zap.String(fieldUID, uid.String()))
		return Decision{}, serviceerror.New(opTryAdvance, reasonQueryFailed, err)
	}
	decision := Decision{Previous: uint32(current.LastAcceptedCounter), Counter: counter}
	if int64(counter) <= current.LastAcceptedCounter {
		return decision, nil
	}

	result := tx.Model(&Tag{}).
		Where(queryAdvance, uid.String(), int64(counter)).
		Updates(map[string]interface{}{
			columnLastAccepted: int64(counter),
			columnUpdatedAt:    g.clock().UTC().Unix(),
		})
	if result.Error != nil {
		logServiceError(g.logger, opTryAdvance, reasonUpdateFailed, result.Error, zap.String(fieldUID, uid.String()))
		return Decision{}, serviceerror.New(opTryAdvance, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		logServiceError(g.logger, opTryAdvance, reasonAdvanceRaced, nil, zap.String(fieldUID, uid.String()))
		return decision, nil
	}
	decision.Accepted = true
	return decision, nil
}

type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(count int) *stripedLocks {
	return &stripedLocks{stripes: make([]sync.Mutex, count)}
}

func (l *stripedLocks) lock(key string) func() {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	mutex := &l.stripes[hasher.Sum32()%uint32(len(l.stripes))]
	mutex.Lock()
	return mutex.Unlock
}
