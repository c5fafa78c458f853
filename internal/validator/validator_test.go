package validator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dcol-go/internal/identity"
	"dcol-go/internal/model"
	"dcol-go/internal/schema"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fixedClock() *stubClock {
	return &stubClock{now: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
}

func signedOp(t *testing.T, id *identity.Identity, documentID string) *model.Operation {
	t.Helper()

	op := &model.Operation{
		ID:            "op-" + documentID,
		Type:          model.OpCreate,
		CollectionID:  "col-1",
		DocumentID:    documentID,
		Data:          &model.DocumentData{Title: "notes"},
		Version:       1,
		SchemaVersion: 1,
	}
	block, err := id.Sign(context.Background(), op.SigningPayload(), false, 0)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	op.Identity = *block
	return op
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.New(nil, fixedClock(), nil)
	if err != nil {
		t.Fatalf("identity.New() error = %v", err)
	}
	return id
}

func TestValidator_AdmitsValidOperation(t *testing.T) {
	t.Parallel()

	id := newTestIdentity(t)
	v := New(Config{
		MaxBytesPerOperation:   1 << 20,
		MaxOperationsPerMinute: 60,
		MaxBytesPerMinute:      8 << 20,
	}, schema.NewRangeChecker(1, 1), fixedClock())

	if err := v.Validate(signedOp(t, id, "doc-1"), nil); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestValidator_OperationTooLarge(t *testing.T) {
	t.Parallel()

	id := newTestIdentity(t)
	v := New(Config{MaxBytesPerOperation: 64}, nil, fixedClock())

	err := v.Validate(signedOp(t, id, "doc-1"), nil)
	if !errors.Is(err, ErrOperationTooLarge) {
		t.Errorf("Validate() error = %v, want ErrOperationTooLarge", err)
	}
}

func TestValidator_AttachmentTooLarge(t *testing.T) {
	t.Parallel()

	id := newTestIdentity(t)
	v := New(Config{MaxBytesPerOperation: 4096}, nil, fixedClock())

	attachment := []byte(strings.Repeat("x", 8192))
	err := v.Validate(signedOp(t, id, "doc-1"), attachment)
	if !errors.Is(err, ErrOperationTooLarge) {
		t.Errorf("Validate() error = %v, want ErrOperationTooLarge", err)
	}
}

func TestValidator_RateLimit(t *testing.T) {
	t.Parallel()

	id := newTestIdentity(t)
	clock := fixedClock()
	v := New(Config{MaxOperationsPerMinute: 1}, nil, clock)

	if err := v.Validate(signedOp(t, id, "doc-1"), nil); err != nil {
		t.Fatalf("first Validate() error = %v", err)
	}

	err := v.Validate(signedOp(t, id, "doc-2"), nil)
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Errorf("second Validate() error = %v, want ErrRateLimitExceeded", err)
	}

	// A new window restores the budget.
	clock.Advance(time.Minute)
	if err := v.Validate(signedOp(t, id, "doc-3"), nil); err != nil {
		t.Errorf("Validate() after window reset error = %v, want nil", err)
	}
}

func TestValidator_RateLimitIsPerAuthor(t *testing.T) {
	t.Parallel()

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)
	v := New(Config{MaxOperationsPerMinute: 1}, nil, fixedClock())

	if err := v.Validate(signedOp(t, alice, "doc-1"), nil); err != nil {
		t.Fatalf("alice Validate() error = %v", err)
	}
	if err := v.Validate(signedOp(t, bob, "doc-2"), nil); err != nil {
		t.Errorf("bob Validate() error = %v, want nil (separate window)", err)
	}
}

func TestValidator_BandwidthLimit(t *testing.T) {
	t.Parallel()

	id := newTestIdentity(t)
	v := New(Config{MaxBytesPerMinute: 2048}, nil, fixedClock())

	op := signedOp(t, id, "doc-1")
	if err := v.Validate(op, []byte(strings.Repeat("x", 1500))); err != nil {
		t.Fatalf("first Validate() error = %v", err)
	}

	err := v.Validate(signedOp(t, id, "doc-2"), []byte(strings.Repeat("x", 1500)))
	if !errors.Is(err, ErrBandwidthLimitExceeded) {
		t.Errorf("second Validate() error = %v, want ErrBandwidthLimitExceeded", err)
	}
}

func TestValidator_RejectionDoesNotConsumeBudget(t *testing.T) {
	t.Parallel()

	id := newTestIdentity(t)
	v := New(Config{
		MaxOperationsPerMinute: 1,
	}, schema.NewRangeChecker(1, 1), fixedClock())

	// Schema-invalid operation is rejected after the rate check but
	// before recording.
	bad := signedOp(t, id, "doc-1")
	bad.SchemaVersion = 99
	if err := v.Validate(bad, nil); !errors.Is(err, schema.ErrValidationFailed) {
		t.Fatalf("Validate(bad) error = %v, want ErrValidationFailed", err)
	}

	// The author's single-op budget must still be available.
	if err := v.Validate(signedOp(t, id, "doc-2"), nil); err != nil {
		t.Errorf("Validate() after rejection error = %v, want nil", err)
	}
}

func TestValidator_ProofOfWork(t *testing.T) {
	t.Parallel()

	miner := identity.NewMiner(2)
	miner.Start()
	t.Cleanup(miner.Stop)

	id, err := identity.New(nil, fixedClock(), miner)
	if err != nil {
		t.Fatalf("identity.New() error = %v", err)
	}

	v := New(Config{
		RequireProofOfWork: true,
		MinPoWDifficulty:   2,
	}, nil, fixedClock())

	t.Run("missing proof rejected", func(t *testing.T) {
		op := signedOp(t, id, "doc-1")
		if err := v.Validate(op, nil); !errors.Is(err, ErrProofOfWorkRequired) {
			t.Errorf("Validate() error = %v, want ErrProofOfWorkRequired", err)
		}
	})

	t.Run("valid proof admitted", func(t *testing.T) {
		op := &model.Operation{
			ID:            "op-pow",
			Type:          model.OpCreate,
			CollectionID:  "col-1",
			DocumentID:    "doc-2",
			Data:          &model.DocumentData{Title: "notes"},
			Version:       1,
			SchemaVersion: 1,
		}
		block, err := id.Sign(context.Background(), op.SigningPayload(), true, 2)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		op.Identity = *block

		if err := v.Validate(op, nil); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("difficulty below minimum rejected", func(t *testing.T) {
		op := &model.Operation{
			ID:            "op-weak",
			Type:          model.OpCreate,
			CollectionID:  "col-1",
			DocumentID:    "doc-3",
			Data:          &model.DocumentData{Title: "notes"},
			Version:       1,
			SchemaVersion: 1,
		}
		block, err := id.Sign(context.Background(), op.SigningPayload(), true, 1)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		op.Identity = *block

		if err := v.Validate(op, nil); !errors.Is(err, identity.ErrInvalidProofOfWork) {
			t.Errorf("Validate() error = %v, want ErrInvalidProofOfWork", err)
		}
	})

	t.Run("proof from a different payload rejected", func(t *testing.T) {
		op := &model.Operation{
			ID:            "op-replay",
			Type:          model.OpCreate,
			CollectionID:  "col-1",
			DocumentID:    "doc-4",
			Data:          &model.DocumentData{Title: "notes"},
			Version:       1,
			SchemaVersion: 1,
		}
		block, err := id.Sign(context.Background(), op.SigningPayload(), true, 2)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		op.Identity = *block
		op.DocumentID = "doc-5" // challenge no longer matches

		if err := v.Validate(op, nil); !errors.Is(err, identity.ErrInvalidProofOfWork) {
			t.Errorf("Validate() error = %v, want ErrInvalidProofOfWork", err)
		}
	})
}

func TestValidator_Sweep(t *testing.T) {
	t.Parallel()

	id := newTestIdentity(t)
	clock := fixedClock()
	v := New(Config{MaxOperationsPerMinute: 1}, nil, clock)

	if err := v.Validate(signedOp(t, id, "doc-1"), nil); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	v.Sweep()

	if len(v.limiter.windows) != 0 {
		t.Errorf("windows after sweep = %d, want 0", len(v.limiter.windows))
	}
}
