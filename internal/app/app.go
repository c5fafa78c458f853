// Package app is the application layer between the CLI and the
// collection engine. It constructs all dependencies from config, exposes
// high-level operations, and manages resource lifecycles on Close.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"dcol-go/internal/blockstore"
	"dcol-go/internal/collection"
	"dcol-go/internal/config"
	"dcol-go/internal/content"
	"dcol-go/internal/database"
	"dcol-go/internal/identity"
	"dcol-go/internal/model"
	"dcol-go/internal/schema"
	"dcol-go/internal/validator"
)

// App wires the peer: identity, validator, content manager, local store,
// and the collection engine. The caller must call Close when done.
type App struct {
	cfg      *config.Config
	store    *database.Store
	contents *content.Manager
	id       *identity.Identity
	miner    *identity.Miner
	val      *validator.Validator
	engine   *collection.Engine
	logFile  *os.File
	logger   *slogAdapter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a fully wired App from the given config. passphrase
// unlocks the signing key when the keystore is age-encrypted.
func New(ctx context.Context, cfg *config.Config, passphrase string) (*App, error) {
	slogger, logFile, err := newLogger(cfg.LogDir, cfg.PeerName)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	keystore, err := identity.NewKeystore(
		cfg.Identity.PublicKeyPath, cfg.Identity.PrivateKeyPath, cfg.Identity.Encryption)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating keystore: %w", err)
	}
	if !keystore.IsConfigured() {
		logFile.Close()
		return nil, fmt.Errorf("no signing key found: run 'dcol identity init' first")
	}
	key, err := keystore.Load(passphrase)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("loading signing key: %w", err)
	}

	var miner *identity.Miner
	if cfg.Validator.RequireProofOfWork {
		workers := cfg.Identity.PoWWorkers
		if workers <= 0 {
			workers = 2
		}
		miner = identity.NewMiner(workers)
		miner.Start()
	}

	id, err := identity.New(key, identity.RealClock{}, miner)
	if err != nil {
		if miner != nil {
			miner.Stop()
		}
		logFile.Close()
		return nil, fmt.Errorf("creating identity: %w", err)
	}

	store, err := database.NewFromConfig(cfg.Database)
	if err != nil {
		if miner != nil {
			miner.Stop()
		}
		logFile.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}

	blocks, err := blockstore.NewFromConfig(ctx, cfg.BlockStore)
	if err != nil {
		store.Close()
		if miner != nil {
			miner.Stop()
		}
		logFile.Close()
		return nil, fmt.Errorf("creating block store: %w", err)
	}

	contents := content.NewManager(blocks, store, policyFromConfig(cfg.Content), realClock{}, logger)

	checker := schema.NewRangeChecker(cfg.Schema.MinVersion, cfg.Schema.MaxVersion)
	val := validator.New(validator.Config{
		MaxBytesPerOperation:   cfg.Validator.MaxBytesPerOperation,
		MaxOperationsPerMinute: cfg.Validator.MaxOperationsPerMinute,
		MaxBytesPerMinute:      cfg.Validator.MaxBytesPerMinute,
		RequireProofOfWork:     cfg.Validator.RequireProofOfWork,
		MinPoWDifficulty:       cfg.Validator.PoWDifficulty,
	}, checker, realClock{})

	engine := collection.NewEngine(collection.EngineConfig{
		CollectionID:       cfg.CollectionID,
		SchemaVersion:      cfg.Schema.MaxVersion,
		RequireProofOfWork: cfg.Validator.RequireProofOfWork,
		PoWDifficulty:      cfg.Validator.PoWDifficulty,
	}, store, store, contents, id, val, logger, collection.RealClock{}, collection.RandomIDGenerator{})

	return &App{
		cfg:      cfg,
		store:    store,
		contents: contents,
		id:       id,
		miner:    miner,
		val:      val,
		engine:   engine,
		logFile:  logFile,
		logger:   logger,
	}, nil
}

// realClock satisfies the per-package Clock interfaces.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func policyFromConfig(cfg config.ContentConfig) content.Policy {
	policy := content.DefaultPolicy()
	if cfg.CapacityBytes > 0 {
		policy.Capacity = cfg.CapacityBytes
	}
	if cfg.MaxFileSize > 0 {
		policy.MaxFileSize = cfg.MaxFileSize
	}
	policy.AllowedMimeTypes = cfg.AllowedMimeTypes
	policy.BlockedMimeTypes = cfg.BlockedMimeTypes
	if cfg.MaxAgeDays > 0 {
		policy.MaxAge = time.Duration(cfg.MaxAgeDays) * 24 * time.Hour
	}
	if cfg.CleanupThreshold > 0 {
		policy.CleanupThreshold = cfg.CleanupThreshold
	}
	if cfg.EmergencyThreshold > 0 {
		policy.EmergencyThreshold = cfg.EmergencyThreshold
	}
	return policy
}

// SetupIdentity generates a signing keypair at the configured paths.
// It does not require a wired App, so 'identity init' works before any
// data directories exist.
func SetupIdentity(cfg *config.Config, passphrase string) (string, error) {
	keystore, err := identity.NewKeystore(
		cfg.Identity.PublicKeyPath, cfg.Identity.PrivateKeyPath, cfg.Identity.Encryption)
	if err != nil {
		return "", fmt.Errorf("creating keystore: %w", err)
	}
	if keystore.IsConfigured() {
		return "", fmt.Errorf("signing key already exists at %s", cfg.Identity.PrivateKeyPath)
	}
	key, err := keystore.Setup(passphrase)
	if err != nil {
		return "", fmt.Errorf("generating signing key: %w", err)
	}
	return identity.DeriveDID(&key.PublicKey)
}

// DID returns the local author identity.
func (a *App) DID() string {
	return a.id.DID()
}

// Initialize replays the log into the catalog and returns the log and
// catalog addresses.
func (a *App) Initialize(ctx context.Context) (string, string, error) {
	return a.engine.Initialize(ctx)
}

// StartBackground launches the maintenance goroutines: the log feed
// consumer, the content GC sweeper, and the rate-limit window sweeper.
// Stop them by calling Close.
func (a *App) StartBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.engine.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("log feed consumer stopped", "error", err)
		}
	}()

	sweep := time.Duration(a.cfg.Content.SweepSeconds) * time.Second
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.contents.Run(ctx, sweep)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.val.Sweep()
			}
		}
	}()
}

// Command surface

func (a *App) CreateDocument(ctx context.Context, in collection.CreateInput) (*model.CatalogDocument, error) {
	return a.engine.CreateDocument(ctx, in)
}

func (a *App) UpdateDocument(ctx context.Context, documentID string, in collection.UpdateInput) (*model.CatalogDocument, error) {
	return a.engine.UpdateDocument(ctx, documentID, in)
}

func (a *App) DeleteDocument(ctx context.Context, documentID string) error {
	return a.engine.DeleteDocument(ctx, documentID)
}

func (a *App) TombstoneDocument(ctx context.Context, documentID string) error {
	return a.engine.TombstoneDocument(ctx, documentID)
}

func (a *App) RedactDocumentMetadata(ctx context.Context, documentID string, keys []string) (*model.CatalogDocument, error) {
	return a.engine.RedactDocumentMetadata(ctx, documentID, keys)
}

func (a *App) TagDocument(ctx context.Context, documentID string, tags []string) (*model.CatalogDocument, error) {
	return a.engine.TagDocument(ctx, documentID, tags)
}

// Query surface

func (a *App) GetDocument(ctx context.Context, documentID string) (*model.CatalogDocument, error) {
	return a.engine.GetDocument(ctx, documentID)
}

func (a *App) GetAllDocuments(ctx context.Context, filter collection.Filter) ([]*model.CatalogDocument, error) {
	return a.engine.GetAllDocuments(ctx, filter)
}

func (a *App) GetDocumentHistory(ctx context.Context, documentID string) ([]collection.HistoryEntry, error) {
	return a.engine.GetDocumentHistory(ctx, documentID)
}

func (a *App) GetLog(ctx context.Context) ([]model.LogRecord, error) {
	return a.store.ReadAll(ctx, a.cfg.CollectionID)
}

// Maintenance surface

func (a *App) Rebuild(ctx context.Context) error {
	return a.engine.Rebuild(ctx)
}

func (a *App) GetContent(ctx context.Context, address string) ([]byte, bool, error) {
	return a.engine.GetContent(ctx, address)
}

func (a *App) GetContentMetrics() (model.ContentMetrics, error) {
	return a.contents.Metrics()
}

func (a *App) GetPinnedContent() ([]*model.PinnedContent, error) {
	return a.contents.Pinned()
}

func (a *App) StarContent(address string, starred bool) error {
	return a.contents.Star(address, starred)
}

func (a *App) RunGC(ctx context.Context, aggressive bool) (int, int64, error) {
	return a.contents.GC(ctx, aggressive)
}

// Close stops background goroutines and releases all resources.
func (a *App) Close() error {
	var firstErr error

	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}

	if a.miner != nil {
		a.miner.Stop()
	}

	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
