package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"dcol-go/internal/model"
)

// cancelCheckInterval is how many nonces a worker tries between context
// cancellation checks.
const cancelCheckInterval = 4096

// Challenge builds the proof-of-work challenge string. It binds the
// canonical payload, the author DID, the signing timestamp, and the
// Lamport clock, so a mined nonce cannot be replayed onto a different
// operation or identity.
func Challenge(canonicalPayload []byte, did string, ts time.Time, lamport uint64) string {
	h := sha256.New()
	h.Write(canonicalPayload)
	h.Write([]byte("|"))
	h.Write([]byte(did))
	h.Write([]byte("|"))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatUint(lamport, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// powHash computes hex(sha256(challenge || nonce)).
func powHash(challenge string, nonce uint64) string {
	h := sha256.Sum256([]byte(challenge + strconv.FormatUint(nonce, 10)))
	return hex.EncodeToString(h[:])
}

// VerifyProofOfWork independently recomputes the hash for a proof and
// rejects on any mismatch. It does not trust any field of the proof: the
// target is rebuilt from the difficulty and the hash is recomputed from
// the challenge and nonce.
func VerifyProofOfWork(pow *model.ProofOfWork, challenge string) error {
	if pow == nil {
		return ErrInvalidProofOfWork
	}
	if pow.Difficulty <= 0 {
		return fmt.Errorf("%w: non-positive difficulty", ErrInvalidProofOfWork)
	}

	target := strings.Repeat("0", pow.Difficulty)
	if pow.Target != target {
		return fmt.Errorf("%w: target does not match difficulty", ErrInvalidProofOfWork)
	}

	hash := powHash(challenge, pow.Nonce)
	if hash != pow.Hash {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidProofOfWork)
	}
	if !strings.HasPrefix(hash, target) {
		return fmt.Errorf("%w: hash does not meet difficulty", ErrInvalidProofOfWork)
	}

	return nil
}

// powJob is one mining request submitted to the worker pool.
type powJob struct {
	ctx        context.Context
	challenge  string
	difficulty int
	result     chan powResult
}

type powResult struct {
	pow *model.ProofOfWork
	err error
}

// Miner runs proof-of-work searches on a dedicated worker pool so mining
// never blocks catalog reads or other operations; a signer waits only on
// its own job. The search is unbounded in principle, so every job carries
// a context and workers check it periodically.
type Miner struct {
	workers int
	jobs    chan *powJob

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewMiner creates a miner with the given number of workers (minimum 1).
func NewMiner(workers int) *Miner {
	if workers < 1 {
		workers = 1
	}
	return &Miner{
		workers: workers,
		jobs:    make(chan *powJob),
	}
}

// Start launches the worker pool. Safe to call once; Stop reverses it.
func (m *Miner) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Stop shuts the worker pool down and waits for in-flight jobs to notice.
func (m *Miner) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stop)
	m.mu.Unlock()
	m.wg.Wait()
}

// Mine submits a search for a nonce whose hash has difficulty leading
// zero hex digits and blocks until it completes or ctx is canceled.
func (m *Miner) Mine(ctx context.Context, challenge string, difficulty int) (*model.ProofOfWork, error) {
	if difficulty <= 0 {
		return nil, fmt.Errorf("difficulty must be positive, got %d", difficulty)
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, fmt.Errorf("miner is not running")
	}
	stop := m.stop
	m.mu.Unlock()

	job := &powJob{
		ctx:        ctx,
		challenge:  challenge,
		difficulty: difficulty,
		result:     make(chan powResult, 1),
	}

	select {
	case m.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stop:
		return nil, fmt.Errorf("miner stopped")
	}

	select {
	case res := <-job.result:
		return res.pow, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Miner) worker() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.jobs:
			pow, err := search(job.ctx, job.challenge, job.difficulty, m.stop)
			job.result <- powResult{pow: pow, err: err}
		case <-m.stop:
			return
		}
	}
}

// search iterates nonces from zero until the difficulty target is met,
// checking for cancellation every cancelCheckInterval attempts.
func search(ctx context.Context, challenge string, difficulty int, stop <-chan struct{}) (*model.ProofOfWork, error) {
	target := strings.Repeat("0", difficulty)

	for nonce := uint64(0); ; nonce++ {
		if nonce%cancelCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-stop:
				return nil, fmt.Errorf("miner stopped")
			default:
			}
		}

		hash := powHash(challenge, nonce)
		if strings.HasPrefix(hash, target) {
			return &model.ProofOfWork{
				Nonce:      nonce,
				Difficulty: difficulty,
				Target:     target,
				Hash:       hash,
			}, nil
		}
	}
}
