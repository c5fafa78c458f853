package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func startedMiner(t *testing.T, workers int) *Miner {
	t.Helper()
	m := NewMiner(workers)
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestMiner_MineAndVerify(t *testing.T) {
	t.Parallel()

	m := startedMiner(t, 2)
	challenge := Challenge([]byte(`{"id":"op-1"}`), "did:p2p:abc", time.Now(), 7)

	pow, err := m.Mine(context.Background(), challenge, 2)
	if err != nil {
		t.Fatalf("Mine() error = %v", err)
	}

	if pow.Difficulty != 2 {
		t.Errorf("Difficulty = %d, want 2", pow.Difficulty)
	}
	if pow.Target != "00" {
		t.Errorf("Target = %q, want \"00\"", pow.Target)
	}
	if !strings.HasPrefix(pow.Hash, "00") {
		t.Errorf("Hash = %q, want \"00\" prefix", pow.Hash)
	}

	if err := VerifyProofOfWork(pow, challenge); err != nil {
		t.Errorf("VerifyProofOfWork() error = %v, want nil", err)
	}
}

func TestVerifyProofOfWork_Rejections(t *testing.T) {
	t.Parallel()

	m := startedMiner(t, 1)
	challenge := Challenge([]byte(`{"id":"op-1"}`), "did:p2p:abc", time.Now(), 7)

	pow, err := m.Mine(context.Background(), challenge, 1)
	if err != nil {
		t.Fatalf("Mine() error = %v", err)
	}

	t.Run("mutated nonce", func(t *testing.T) {
		bad := *pow
		bad.Nonce++
		if err := VerifyProofOfWork(&bad, challenge); !errors.Is(err, ErrInvalidProofOfWork) {
			t.Errorf("error = %v, want ErrInvalidProofOfWork", err)
		}
	})

	t.Run("different challenge", func(t *testing.T) {
		other := Challenge([]byte(`{"id":"op-2"}`), "did:p2p:abc", time.Now(), 7)
		if err := VerifyProofOfWork(pow, other); !errors.Is(err, ErrInvalidProofOfWork) {
			t.Errorf("error = %v, want ErrInvalidProofOfWork", err)
		}
	})

	t.Run("target inconsistent with difficulty", func(t *testing.T) {
		bad := *pow
		bad.Difficulty = 4
		if err := VerifyProofOfWork(&bad, challenge); !errors.Is(err, ErrInvalidProofOfWork) {
			t.Errorf("error = %v, want ErrInvalidProofOfWork", err)
		}
	})

	t.Run("nil proof", func(t *testing.T) {
		if err := VerifyProofOfWork(nil, challenge); !errors.Is(err, ErrInvalidProofOfWork) {
			t.Errorf("error = %v, want ErrInvalidProofOfWork", err)
		}
	})
}

func TestMiner_MineRespectsCancellation(t *testing.T) {
	t.Parallel()

	m := startedMiner(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// An absurd difficulty would search forever without cancellation.
	_, err := m.Mine(ctx, "challenge", 64)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Mine() error = %v, want context.Canceled", err)
	}
}

func TestMiner_MineWithoutStart(t *testing.T) {
	t.Parallel()

	m := NewMiner(1)
	if _, err := m.Mine(context.Background(), "challenge", 1); err == nil {
		t.Error("Mine() on a stopped miner should return an error")
	}
}

func TestChallenge_BindsAllInputs(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	base := Challenge([]byte("payload"), "did:p2p:abc", ts, 7)

	variants := []string{
		Challenge([]byte("payload2"), "did:p2p:abc", ts, 7),
		Challenge([]byte("payload"), "did:p2p:xyz", ts, 7),
		Challenge([]byte("payload"), "did:p2p:abc", ts.Add(time.Nanosecond), 7),
		Challenge([]byte("payload"), "did:p2p:abc", ts, 8),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d produced the same challenge as the base", i)
		}
	}

	if again := Challenge([]byte("payload"), "did:p2p:abc", ts, 7); again != base {
		t.Error("identical inputs produced different challenges")
	}
}

func TestIdentity_SignWithProofOfWork(t *testing.T) {
	t.Parallel()

	m := startedMiner(t, 2)
	id, err := New(nil, fixedClock(), m)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	payload := testPayload()
	block, err := id.Sign(context.Background(), payload, true, 2)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if block.ProofOfWork == nil {
		t.Fatal("Sign() with PoW returned no proof")
	}

	// Full verification recomputes the challenge from the payload.
	if err := Verify(payload, block, block.Timestamp); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}
