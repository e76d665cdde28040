// Package verification decides whether a presented tag URL is VALID, INVALID
// or a REPLAY, and records every decision in the attempt log.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/attempts"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/notarization"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signature"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/tags"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// MessageValid is returned with VALID results.
	MessageValid = "Authentic product: signature and scan counter verified."
	// MessageInvalid is returned for every INVALID result, whatever the internal reason.
	MessageInvalid = "Verification failed: this tag could not be authenticated."
	// MessageReplay is returned with REPLAY results. It always starts with "Replay".
	MessageReplay = "Replay attack detected: this scan counter has already been used."

	maxSourceAddressLength = 64

	opServiceNew = "verification.service.new"
	opVerify     = "verification.verify"

	reasonMissingDeps    = "missing_dependencies"
	reasonLookupFailed   = "lookup_failed"
	reasonKeyInvalid     = "stored_key_invalid"
	reasonSignature      = "signature_failed"
	reasonAppendFailed   = "attempt_append_failed"
	reasonDecisionFailed = "decision_failed"
)

var (
	// ErrMalformedRequest indicates missing or unparseable uid, ctr or cmac.
	ErrMalformedRequest = errors.New("verification: malformed request")

	errMissingDependencies = errors.New("registry, guard and attempt log are required")

	// decoyKey keeps the unknown-tag path doing the same CMAC work as a real mismatch.
	decoyKey = signature.Key{0x45, 0x56, 0x45, 0x52, 0x53, 0x45, 0x41, 0x4c, 0x2d, 0x44, 0x45, 0x43, 0x4f, 0x59, 0x2d, 0x4b}

	noOpLogger = zap.NewNop()
)

// TagLookup resolves a tag by uid.
type TagLookup interface {
	Lookup(ctx context.Context, uid signature.UID) (tags.Tag, error)
}

// CounterGuard serializes per-uid decisions. Commit is the only way a counter advances.
type CounterGuard interface {
	Commit(ctx context.Context, uid signature.UID, counter uint32, record tags.RecordFunc) (tags.Decision, error)
	Serialize(ctx context.Context, uid signature.UID, fn func(tx *gorm.DB) error) error
}

// AttemptAppender appends attempts within a guard transaction.
type AttemptAppender interface {
	Append(tx *gorm.DB, attempt *attempts.Attempt) error
}

// Notarizer schedules ledger notarization without blocking.
type Notarizer interface {
	Enqueue(job notarization.Job) bool
}

// AttemptPublisher receives every recorded attempt after its transaction commits.
type AttemptPublisher interface {
	PublishAttempt(attempt attempts.Attempt)
}

// Request is a parsed verification call.
type Request struct {
	UID           signature.UID
	Counter       uint32
	CMAC          signature.MAC
	SourceAddress string
}

// Result is the verdict returned to the caller.
type Result struct {
	Outcome attempts.Outcome
	// Reason is internal; INVALID reasons must not be exposed.
	Reason      attempts.Reason
	Message     string
	ProductName string
	AttemptID   uint64
	RecordedAt  time.Time
}

// ParseRequest validates raw query parameters before any registry work.
func ParseRequest(rawUID, rawCounter, rawCMAC, sourceAddress string) (Request, error) {
	uid, err := signature.ParseUID(rawUID)
	if err != nil {
		return Request{}, malformed(err)
	}
	trimmedCounter := strings.TrimSpace(rawCounter)
	if trimmedCounter == "" {
		return Request{}, malformed(errors.New("missing counter"))
	}
	counter, err := strconv.ParseUint(trimmedCounter, 10, 32)
	if err != nil {
		return Request{}, malformed(fmt.Errorf("counter %q: %v", rawCounter, err))
	}
	if counter > signature.MaxCounter {
		return Request{}, malformed(signature.ErrCounterOutOfRange)
	}
	mac, err := signature.ParseMAC(rawCMAC)
	if err != nil {
		return Request{}, malformed(err)
	}
	address := strings.TrimSpace(sourceAddress)
	if len(address) > maxSourceAddressLength {
		address = address[:maxSourceAddressLength]
	}
	return Request{UID: uid, Counter: uint32(counter), CMAC: mac, SourceAddress: address}, nil
}

func malformed(cause error) error {
	metrics.MalformedRequestsTotal.Inc()
	return fmt.Errorf("%w: %v", ErrMalformedRequest, cause)
}

// ServiceConfig describes the verification service dependencies.
type ServiceConfig struct {
	Registry  TagLookup
	Guard     CounterGuard
	Log       AttemptAppender
	Notarizer Notarizer
	Publisher AttemptPublisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service runs the verification algorithm.
type Service struct {
	registry  TagLookup
	guard     CounterGuard
	log       AttemptAppender
	notarizer Notarizer
	publisher AttemptPublisher
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs a verification Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil || cfg.Guard == nil || cfg.Log == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingDeps, errMissingDependencies)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		registry:  cfg.Registry,
		guard:     cfg.Guard,
		log:       cfg.Log,
		notarizer: cfg.Notarizer,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Verify decides on request and appends exactly one attempt for it. Errors are
// infrastructure failures only; INVALID and REPLAY are results, not errors.
func (s *Service) Verify(ctx context.Context, request Request) (Result, error) {
	started := s.clock()

	var (
		attempt     attempts.Attempt
		productName string
		err         error
	)
	tag, lookupErr := s.registry.Lookup(ctx, request.UID)
	switch {
	case errors.Is(lookupErr, tags.ErrTagNotFound):
		_, _ = signature.Verify(decoyKey, request.UID, request.Counter, request.CMAC)
		attempt, err = s.recordRejection(ctx, request, attempts.ReasonUnknownTag)
	case lookupErr != nil:
		s.logError(opVerify, reasonLookupFailed, lookupErr, request)
		return Result{}, serviceerror.New(opVerify, reasonLookupFailed, lookupErr)
	default:
		productName = tag.ProductName
		attempt, err = s.verifyKnownTag(ctx, request, tag)
	}
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Outcome:    attempt.Outcome,
		Reason:     attempt.Reason,
		AttemptID:  attempt.ID,
		RecordedAt: time.Unix(attempt.RecordedAtSeconds, 0).UTC(),
	}
	switch attempt.Outcome {
	case attempts.OutcomeValid:
		result.Message = MessageValid
		result.ProductName = productName
	case attempts.OutcomeReplay:
		result.Message = MessageReplay
	default:
		result.Message = MessageInvalid
	}

	metrics.VerificationsTotal.WithLabelValues(string(result.Outcome)).Inc()
	metrics.VerificationDuration.Observe(s.clock().Sub(started).Seconds())
	s.logDecision(request, attempt)
	if s.publisher != nil {
		s.publisher.PublishAttempt(attempt)
	}
	if result.Outcome == attempts.OutcomeValid && s.notarizer != nil {
		s.notarizer.Enqueue(notarization.Job{
			AttemptID:  attempt.ID,
			TagUID:     attempt.TagUID,
			Counter:    request.Counter,
			RecordedAt: result.RecordedAt,
		})
	}
	return result, nil
}

func (s *Service) verifyKnownTag(ctx context.Context, request Request, tag tags.Tag) (attempts.Attempt, error) {
	key, err := tag.Key()
	if err != nil {
		s.logError(opVerify, reasonKeyInvalid, err, request)
		return attempts.Attempt{}, serviceerror.New(opVerify, reasonKeyInvalid, err)
	}
	matched, err := signature.Verify(key, request.UID, request.Counter, request.CMAC)
	if err != nil {
		return attempts.Attempt{}, serviceerror.New(opVerify, reasonSignature, err)
	}
	if !matched {
		return s.recordRejection(ctx, request, attempts.ReasonSignatureMismatch)
	}

	var attempt attempts.Attempt
	_, err = s.guard.Commit(ctx, request.UID, request.Counter, func(tx *gorm.DB, decision tags.Decision) error {
		attempt = newAttempt(request, true, attempts.OutcomeReplay, attempts.ReasonCounterReplayed)
		if decision.Accepted {
			attempt.Outcome = attempts.OutcomeValid
			attempt.Reason = attempts.ReasonAccepted
		}
		return s.log.Append(tx, &attempt)
	})
	if errors.Is(err, tags.ErrTagNotFound) {
		// Removed between lookup and decision.
		return s.recordRejection(ctx, request, attempts.ReasonUnknownTag)
	}
	if err != nil {
		s.logError(opVerify, reasonDecisionFailed, err, request)
		return attempts.Attempt{}, serviceerror.New(opVerify, reasonDecisionFailed, err)
	}
	return attempt, nil
}

// recordRejection appends an INVALID attempt inside the uid's critical section
// without touching counter state.
func (s *Service) recordRejection(ctx context.Context, request Request, reason attempts.Reason) (attempts.Attempt, error) {
	attempt := newAttempt(request, false, attempts.OutcomeInvalid, reason)
	err := s.guard.Serialize(ctx, request.UID, func(tx *gorm.DB) error {
		return s.log.Append(tx, &attempt)
	})
	if err != nil {
		s.logError(opVerify, reasonAppendFailed, err, request)
		return attempts.Attempt{}, serviceerror.New(opVerify, reasonAppendFailed, err)
	}
	return attempt, nil
}

func newAttempt(request Request, cmacValid bool, outcome attempts.Outcome, reason attempts.Reason) attempts.Attempt {
	return attempts.Attempt{
		TagUID:           request.UID.String(),
		PresentedCounter: int64(request.Counter),
		CMACValid:        cmacValid,
		Outcome:          outcome,
		Reason:           reason,
		SourceAddress:    request.SourceAddress,
	}
}

func (s *Service) logDecision(request Request, attempt attempts.Attempt) {
	fields := []zap.Field{
		zap.Uint64("attempt_id", attempt.ID),
		zap.String("uid", attempt.TagUID),
		zap.Uint32("counter", request.Counter),
		zap.String("outcome", string(attempt.Outcome)),
		zap.String("reason", string(attempt.Reason)),
		zap.String("source_address", request.SourceAddress),
	}
	if attempt.Outcome.IsThreat() {
		s.logger.Warn("verification rejected", fields...)
		return
	}
	s.logger.Info("verification accepted", fields...)
}

func (s *Service) logError(operation, reason string, err error, request Request) {
	if s == nil || s.logger == nil || err == nil {
		return
	}
	s.logger.Error(
		"verification service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("uid", request.UID.String()),
		zap.Error(err),
	)
}
