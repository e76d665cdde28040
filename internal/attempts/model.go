package attempts

import (
	"errors"
	"fmt"
)

// Outcome is the externally reported verdict of a verification attempt.
type Outcome string

const (
	// OutcomeValid marks a genuine signature with a fresh counter.
	OutcomeValid Outcome = "VALID"
	// OutcomeInvalid marks an unknown tag or a signature mismatch.
	OutcomeInvalid Outcome = "INVALID"
	// OutcomeReplay marks a genuine signature with a stale counter.
	OutcomeReplay Outcome = "REPLAY"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeValid, OutcomeInvalid, OutcomeReplay:
		return true
	default:
		return false
	}
}

// IsThreat reports whether o counts towards threatsDetected.
func (o Outcome) IsThreat() bool {
	return o == OutcomeInvalid || o == OutcomeReplay
}

// Reason is the internal classification behind an outcome. INVALID reasons are
// never exposed to callers.
type Reason string

const (
	ReasonAccepted          Reason = "accepted"
	ReasonUnknownTag        Reason = "unknown_tag"
	ReasonSignatureMismatch Reason = "signature_mismatch"
	ReasonCounterReplayed   Reason = "counter_replayed"
)

var (
	// ErrInvalidAttempt indicates an attempt that cannot be appended.
	ErrInvalidAttempt = errors.New("attempts: invalid attempt")
	// ErrMissingTransaction indicates Append was called outside a transaction.
	ErrMissingTransaction = errors.New("attempts: transaction required")
)

// Attempt is one append-only verification record. The presented CMAC is never
// stored, only whether it matched.
type Attempt struct {
	ID                uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	TagUID            string  `gorm:"column:tag_uid;size:14;not null;index:idx_attempts_tag"`
	PresentedCounter  int64   `gorm:"column:presented_counter;not null"`
	CMACValid         bool    `gorm:"column:cmac_valid;not null"`
	Outcome           Outcome `gorm:"column:outcome;size:16;not null;index:idx_attempts_outcome"`
	Reason            Reason  `gorm:"column:reason;size:32;not null"`
	SourceAddress     string  `gorm:"column:source_address;size:64;not null;default:''"`
	RecordedAtSeconds int64   `gorm:"column:recorded_at_s;not null;index:idx_attempts_recorded"`
}

// TableName provides the explicit table binding for GORM.
func (Attempt) TableName() string {
	return "verification_attempts"
}

func (a *Attempt) validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil", ErrInvalidAttempt)
	}
	if a.ID != 0 {
		return fmt.Errorf("%w: id must be assigned by the log", ErrInvalidAttempt)
	}
	if a.TagUID == "" {
		return fmt.Errorf("%w: empty tag uid", ErrInvalidAttempt)
	}
	if !a.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidAttempt, a.Outcome)
	}
	if a.PresentedCounter < 0 {
		return fmt.Errorf("%w: negative counter", ErrInvalidAttempt)
	}
	return nil
}

// Notarization links an attempt to an external ledger reference. It is
// written at most once per attempt so the attempt row itself stays immutable.
type Notarization struct {
	AttemptID         uint64 `gorm:"column:attempt_id;primaryKey;autoIncrement:false"`
	Reference         string `gorm:"column:reference;size:190;not null"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Notarization) TableName() string {
	return "attempt_notarizations"
}

// Entry is an attempt joined with its notarization reference, if any.
type Entry struct {
	Attempt
	NotarizationRef string
}
