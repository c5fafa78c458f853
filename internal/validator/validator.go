// Package validator implements per-operation admission control: size
// limits, per-author rate limiting, proof-of-work enforcement, and the
// delegated schema check. Every rejection is a typed failure; nothing is
// silently dropped.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dcol-go/internal/identity"
	"dcol-go/internal/model"
	"dcol-go/internal/schema"
)

var (
	ErrOperationTooLarge      = errors.New("operation exceeds size limit")
	ErrRateLimitExceeded      = errors.New("per-author operation rate limit exceeded")
	ErrBandwidthLimitExceeded = errors.New("per-author byte volume limit exceeded")
	ErrProofOfWorkRequired    = errors.New("operation is missing required proof of work")
)

// Config holds the admission limits.
type Config struct {
	MaxBytesPerOperation   int64
	MaxOperationsPerMinute int
	MaxBytesPerMinute      int64
	RequireProofOfWork     bool
	MinPoWDifficulty       int
}

// Clock abstracts time retrieval so window behavior is deterministic in
// tests.
type Clock interface {
	Now() time.Time
}

// Validator applies the admission pipeline in a fixed order: size, rate
// limits, proof of work, schema. It is safe for concurrent use.
type Validator struct {
	cfg     Config
	checker schema.Checker
	clock   Clock
	limiter *rateLimiter
}

// New creates a Validator. checker is the pluggable schema engine.
func New(cfg Config, checker schema.Checker, clock Clock) *Validator {
	return &Validator{
		cfg:     cfg,
		checker: checker,
		clock:   clock,
		limiter: newRateLimiter(cfg.MaxOperationsPerMinute, cfg.MaxBytesPerMinute),
	}
}

// Validate admits or rejects one operation plus its optional content
// attachment. Rate-limit counters only advance when every check passes,
// so a rejected operation does not consume the author's budget.
func (v *Validator) Validate(op *model.Operation, attachment []byte) error {
	serialized, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("serializing operation: %w", err)
	}

	size := int64(len(serialized))
	if v.cfg.MaxBytesPerOperation > 0 {
		if size > v.cfg.MaxBytesPerOperation {
			return fmt.Errorf("%w: operation is %d bytes, limit %d", ErrOperationTooLarge, size, v.cfg.MaxBytesPerOperation)
		}
		if int64(len(attachment)) > v.cfg.MaxBytesPerOperation {
			return fmt.Errorf("%w: attachment is %d bytes, limit %d", ErrOperationTooLarge, len(attachment), v.cfg.MaxBytesPerOperation)
		}
	}

	now := v.clock.Now()
	if err := v.limiter.check(op.Identity.AuthorDID, now, size+int64(len(attachment))); err != nil {
		return err
	}

	if v.cfg.RequireProofOfWork {
		pow := op.Identity.ProofOfWork
		if pow == nil {
			return ErrProofOfWorkRequired
		}
		if pow.Difficulty < v.cfg.MinPoWDifficulty {
			return fmt.Errorf("%w: difficulty %d below required %d", identity.ErrInvalidProofOfWork, pow.Difficulty, v.cfg.MinPoWDifficulty)
		}
		canonical, err := model.CanonicalJSON(op.SigningPayload())
		if err != nil {
			return fmt.Errorf("canonicalizing operation: %w", err)
		}
		challenge := identity.Challenge(canonical, op.Identity.AuthorDID, op.Identity.Timestamp, op.Identity.LamportClock)
		if err := identity.VerifyProofOfWork(pow, challenge); err != nil {
			return err
		}
	}

	if v.checker != nil {
		if err := v.checker.Check(op.SchemaVersion, op.Data); err != nil {
			return err
		}
	}

	v.limiter.record(op.Identity.AuthorDID, now, size+int64(len(attachment)))
	return nil
}

// Sweep drops rate-limit windows whose 60-second span has elapsed. The
// app layer runs this periodically so the table does not grow with every
// author ever seen.
func (v *Validator) Sweep() {
	v.limiter.sweep(v.clock.Now())
}
