package collection_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"dcol-go/internal/blockstore"
	"dcol-go/internal/collection"
	"dcol-go/internal/content"
	"dcol-go/internal/database"
	"dcol-go/internal/identity"
	"dcol-go/internal/model"
	"dcol-go/internal/schema"
	"dcol-go/internal/testutil"
	"dcol-go/internal/validator"
)

type env struct {
	store    *database.Store
	contents *content.Manager
	id       *identity.Identity
	engine   *collection.Engine
	clock    *testutil.StubClock
}

func newEnv(t *testing.T) *env {
	return newEnvWithLimit(t, 1000)
}

func newEnvWithLimit(t *testing.T, maxOpsPerMinute int) *env {
	t.Helper()

	clock := testutil.FixedClock()
	store := testutil.NewTestStore(t)
	id := testutil.NewTestIdentity(t, clock)
	contents := content.NewManager(
		blockstore.NewMemoryStore(), store, content.DefaultPolicy(), clock, collection.NewNopLogger())
	val := validator.New(validator.Config{
		MaxBytesPerOperation:   1 << 20,
		MaxOperationsPerMinute: maxOpsPerMinute,
		MaxBytesPerMinute:      64 << 20,
	}, schema.NewRangeChecker(1, 1), clock)

	engine := collection.NewEngine(
		collection.EngineConfig{CollectionID: "col-1", SchemaVersion: 1},
		store, store, contents, id, val,
		collection.NewNopLogger(), clock, collection.RandomIDGenerator{})

	return &env{store: store, contents: contents, id: id, engine: engine, clock: clock}
}

func strPtr(s string) *string { return &s }

func TestEngine_CreateAndGetDocument(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{
		Title:       "field notes",
		Description: "day one",
		Tags:        []string{"research"},
		MimeType:    "text/markdown",
		Metadata:    map[string]any{"camera": "x100"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)
	require.Equal(t, "field notes", doc.Title)
	require.Equal(t, model.DocTypeText, doc.Type)
	require.Equal(t, uint64(1), doc.Provenance.Version)
	require.Equal(t, []string{e.id.DID()}, doc.Authors, "authors default to the local DID")

	got, err := e.engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.ID, got.ID)
	require.Equal(t, "day one", got.Description)
}

func TestEngine_GetDocumentNotFound(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, err := e.engine.GetDocument(context.Background(), "nope")
	require.ErrorIs(t, err, collection.ErrDocumentNotFound)
}

func TestEngine_CreateWithContent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	payload := []byte("# Field Notes\n\nDay one.")
	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{
		Title:    "field notes",
		MimeType: "text/markdown",
		Content:  payload,
	})
	require.NoError(t, err)
	require.NotEmpty(t, doc.ContentAddress)
	require.Equal(t, int64(len(payload)), doc.Size)

	data, found, err := e.engine.GetContent(ctx, doc.ContentAddress)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payload, data)

	metrics, err := e.engine.GetContentMetrics()
	require.NoError(t, err)
	require.Equal(t, 1, metrics.OwnedCount)

	pins, err := e.engine.GetPinnedContent()
	require.NoError(t, err)
	require.Len(t, pins, 1)
	require.Contains(t, pins[0].DocumentIDs, doc.ID)
}

func TestEngine_UpdateDocument(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{
		Title:       "draft",
		Description: "keep me",
		Tags:        []string{"a"},
	})
	require.NoError(t, err)

	updated, err := e.engine.UpdateDocument(ctx, doc.ID, collection.UpdateInput{
		Title: strPtr("final"),
	})
	require.NoError(t, err)
	require.Equal(t, "final", updated.Title)
	require.Equal(t, "keep me", updated.Description, "unset fields keep the current value")
	require.Equal(t, []string{"a"}, updated.Tags)
	require.Equal(t, uint64(2), updated.Provenance.Version)

	_, err = e.engine.UpdateDocument(ctx, "nope", collection.UpdateInput{Title: strPtr("x")})
	require.ErrorIs(t, err, collection.ErrDocumentNotFound)
}

func TestEngine_TagDocument(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{
		Title: "notes",
		Tags:  []string{"a"},
	})
	require.NoError(t, err)

	tagged, err := e.engine.TagDocument(ctx, doc.ID, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, tagged.Tags, "tags are a union, no duplicates")
	require.Equal(t, uint64(2), tagged.Provenance.Version)
}

func TestEngine_RedactDocumentMetadata(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{
		Title:    "notes",
		Metadata: map[string]any{"location": "site-a", "subject": "bridge"},
	})
	require.NoError(t, err)

	redacted, err := e.engine.RedactDocumentMetadata(ctx, doc.ID, []string{"location"})
	require.NoError(t, err)
	require.NotContains(t, redacted.Metadata, "location")
	require.Contains(t, redacted.Metadata, "subject")

	// No keys means remove everything.
	redacted, err = e.engine.RedactDocumentMetadata(ctx, doc.ID, nil)
	require.NoError(t, err)
	require.Empty(t, redacted.Metadata)
}

func TestEngine_DeleteDocument(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{Title: "notes"})
	require.NoError(t, err)

	require.NoError(t, e.engine.DeleteDocument(ctx, doc.ID))

	_, err = e.engine.GetDocument(ctx, doc.ID)
	require.ErrorIs(t, err, collection.ErrDocumentNotFound)

	_, err = e.engine.UpdateDocument(ctx, doc.ID, collection.UpdateInput{Title: strPtr("x")})
	require.ErrorIs(t, err, collection.ErrDocumentNotFound)

	// The audit trail outlives the document.
	history, err := e.engine.GetDocumentHistory(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, model.OpDelete, history[1].Type)
}

func TestEngine_TombstoneIsPermanent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{Title: "notes"})
	require.NoError(t, err)

	require.NoError(t, e.engine.TombstoneDocument(ctx, doc.ID))

	_, err = e.engine.GetDocument(ctx, doc.ID)
	require.ErrorIs(t, err, collection.ErrDocumentTombstoned)

	_, err = e.engine.UpdateDocument(ctx, doc.ID, collection.UpdateInput{Title: strPtr("x")})
	require.ErrorIs(t, err, collection.ErrDocumentTombstoned)

	err = e.engine.TombstoneDocument(ctx, doc.ID)
	require.ErrorIs(t, err, collection.ErrDocumentTombstoned)
}

func TestEngine_GetAllDocuments(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	_, err := e.engine.CreateDocument(ctx, collection.CreateInput{
		Title: "photo", MimeType: "image/jpeg", Tags: []string{"travel"},
	})
	require.NoError(t, err)
	_, err = e.engine.CreateDocument(ctx, collection.CreateInput{
		Title: "readme", MimeType: "text/markdown", Tags: []string{"travel", "docs"},
	})
	require.NoError(t, err)
	_, err = e.engine.CreateDocument(ctx, collection.CreateInput{
		Title: "scratch", Authors: []string{"did:p2p:other"},
	})
	require.NoError(t, err)

	all, err := e.engine.GetAllDocuments(ctx, collection.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	media, err := e.engine.GetAllDocuments(ctx, collection.Filter{Type: model.DocTypeMedia})
	require.NoError(t, err)
	require.Len(t, media, 1)
	require.Equal(t, "photo", media[0].Title)

	travel, err := e.engine.GetAllDocuments(ctx, collection.Filter{Tag: "travel"})
	require.NoError(t, err)
	require.Len(t, travel, 2)

	other, err := e.engine.GetAllDocuments(ctx, collection.Filter{Author: "did:p2p:other"})
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.Equal(t, "scratch", other[0].Title)
}

func TestEngine_GetDocumentHistory(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{Title: "v1"})
	require.NoError(t, err)
	_, err = e.engine.UpdateDocument(ctx, doc.ID, collection.UpdateInput{Title: strPtr("v2")})
	require.NoError(t, err)

	history, err := e.engine.GetDocumentHistory(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, model.OpCreate, history[0].Type)
	require.Equal(t, model.OpUpdate, history[1].Type)
	require.Equal(t, uint64(1), history[0].Version)
	require.Equal(t, uint64(2), history[1].Version)
	require.Equal(t, e.id.DID(), history[0].AuthorDID)
	require.Less(t, history[0].Lamport, history[1].Lamport)

	_, err = e.engine.GetDocumentHistory(ctx, "nope")
	require.ErrorIs(t, err, collection.ErrDocumentNotFound)
}

func TestEngine_PeersConvergeRegardlessOfOrder(t *testing.T) {
	t.Parallel()

	a := newEnv(t)
	b := newEnv(t)
	ctx := context.Background()

	doc, err := a.engine.CreateDocument(ctx, collection.CreateInput{Title: "v1"})
	require.NoError(t, err)
	_, err = a.engine.UpdateDocument(ctx, doc.ID, collection.UpdateInput{Title: strPtr("v2")})
	require.NoError(t, err)
	_, err = a.engine.TagDocument(ctx, doc.ID, []string{"shared"})
	require.NoError(t, err)

	records, err := a.store.ReadAll(ctx, "col-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Deliver to the peer in reverse order; derivation must not care.
	for i := len(records) - 1; i >= 0; i-- {
		require.NoError(t, b.engine.ApplyRecord(ctx, records[i]))
	}

	want, err := a.engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	got, err := b.engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)

	require.Equal(t, want.Title, got.Title)
	require.Equal(t, want.Tags, got.Tags)
	require.Equal(t, want.Provenance.Version, got.Provenance.Version)

	// Redelivery is harmless.
	require.NoError(t, b.engine.ApplyRecord(ctx, records[0]))
	again, err := b.engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestEngine_RedeliveryDoesNotConsumeRateBudget(t *testing.T) {
	t.Parallel()

	a := newEnv(t)
	b := newEnvWithLimit(t, 1)
	ctx := context.Background()

	doc, err := a.engine.CreateDocument(ctx, collection.CreateInput{Title: "once"})
	require.NoError(t, err)

	records, err := a.store.ReadAll(ctx, "col-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	// The first delivery uses the author's entire per-minute budget.
	require.NoError(t, b.engine.ApplyRecord(ctx, records[0]))

	// At-least-once delivery means the same record can arrive again.
	// It must be a no-op, not a rate-limit rejection.
	require.NoError(t, b.engine.ApplyRecord(ctx, records[0]))

	got, err := b.engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "once", got.Title)
}

func TestEngine_RejectedOperationLeavesNoPin(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	_, err := e.engine.CreateDocument(ctx, collection.CreateInput{
		Title:    "   ",
		MimeType: "text/plain",
		Content:  []byte("orphan payload"),
	})
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))

	pins, err := e.store.ListPins()
	require.NoError(t, err)
	require.Empty(t, pins, "a rejected create must not pin its attachment")

	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{Title: "kept"})
	require.NoError(t, err)

	_, err = e.engine.UpdateDocument(ctx, doc.ID, collection.UpdateInput{
		Title:    strPtr("   "),
		Content:  []byte("orphan payload two"),
		MimeType: "text/plain",
	})
	require.Error(t, err)

	pins, err = e.store.ListPins()
	require.NoError(t, err)
	require.Empty(t, pins, "a rejected update must not pin its attachment")
}

func TestEngine_ConcurrentUpdatesTieBreakOnAuthor(t *testing.T) {
	t.Parallel()

	a := newEnv(t)
	b := newEnv(t)
	ctx := context.Background()

	shared, err := a.engine.CreateDocument(ctx, collection.CreateInput{Title: "shared notes"})
	require.NoError(t, err)
	_, err = b.engine.CreateDocument(ctx, collection.CreateInput{Title: "b local"})
	require.NoError(t, err)

	// Exchange the creates so both Lamport clocks agree before the race.
	recsA, err := a.store.ReadAll(ctx, "col-1")
	require.NoError(t, err)
	recsB, err := b.store.ReadAll(ctx, "col-1")
	require.NoError(t, err)
	require.NoError(t, b.engine.ApplyRecord(ctx, recsA[0]))
	require.NoError(t, a.engine.ApplyRecord(ctx, recsB[0]))

	// Both peers update the shared document at the same Lamport value
	// and the same wall-clock instant; only the author DID can decide.
	_, err = a.engine.UpdateDocument(ctx, shared.ID, collection.UpdateInput{Title: strPtr("from a")})
	require.NoError(t, err)
	_, err = b.engine.UpdateDocument(ctx, shared.ID, collection.UpdateInput{Title: strPtr("from b")})
	require.NoError(t, err)

	// Full exchange in both directions; already-held records are no-ops.
	recsA, err = a.store.ReadAll(ctx, "col-1")
	require.NoError(t, err)
	recsB, err = b.store.ReadAll(ctx, "col-1")
	require.NoError(t, err)
	for _, rec := range recsB {
		require.NoError(t, a.engine.ApplyRecord(ctx, rec))
	}
	for _, rec := range recsA {
		require.NoError(t, b.engine.ApplyRecord(ctx, rec))
	}

	docA, err := a.engine.GetDocument(ctx, shared.ID)
	require.NoError(t, err)
	docB, err := b.engine.GetDocument(ctx, shared.ID)
	require.NoError(t, err)

	want := "from a"
	if b.id.DID() > a.id.DID() {
		want = "from b"
	}
	require.Equal(t, want, docA.Title, "the greater author DID wins the tie")
	require.Equal(t, docA.Title, docB.Title)
	require.Equal(t, uint64(3), docA.Provenance.Version)
	require.Equal(t, docA.Provenance.Version, docB.Provenance.Version)
}

func TestEngine_ApplyRecordRejectsTamperedOperation(t *testing.T) {
	t.Parallel()

	a := newEnv(t)
	b := newEnv(t)
	ctx := context.Background()

	doc, err := a.engine.CreateDocument(ctx, collection.CreateInput{Title: "honest"})
	require.NoError(t, err)

	records, err := a.store.ReadAll(ctx, "col-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	records[0].Operation.Data.Title = "forged"
	err = b.engine.ApplyRecord(ctx, records[0])
	require.ErrorIs(t, err, identity.ErrInvalidSignature)

	_, err = b.engine.GetDocument(ctx, doc.ID)
	require.ErrorIs(t, err, collection.ErrDocumentNotFound)
}

func TestEngine_ApplyRecordRejectsForeignCollection(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	rec := model.LogRecord{Operation: model.Operation{
		ID: "op-x", CollectionID: "col-other", DocumentID: "doc-x",
	}}
	require.Error(t, e.engine.ApplyRecord(context.Background(), rec))
}

func TestEngine_InitializeReplaysTheLog(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	// An operation lands in the log without going through the engine,
	// as happens when replication writes directly.
	op := &model.Operation{
		ID:            "op-ext-1",
		Type:          model.OpCreate,
		CollectionID:  "col-1",
		DocumentID:    "doc-ext",
		Data:          &model.DocumentData{Title: "external"},
		Version:       1,
		SchemaVersion: 1,
	}
	block, err := e.id.Sign(ctx, op.SigningPayload(), false, 0)
	require.NoError(t, err)
	op.Identity = *block
	seq, err := e.store.Append(ctx, op)
	require.NoError(t, err)

	logAddr, catalogAddr, err := e.engine.Initialize(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, logAddr)
	require.NotEmpty(t, catalogAddr)

	doc, err := e.engine.GetDocument(ctx, "doc-ext")
	require.NoError(t, err)
	require.Equal(t, "external", doc.Title)

	checkpoint, err := e.store.Checkpoint(ctx, "col-1")
	require.NoError(t, err)
	require.Equal(t, seq, checkpoint)
}

func TestEngine_RebuildDropsUnbackedDocuments(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{Title: "real"})
	require.NoError(t, err)

	// A catalog row with no log behind it, as after corruption.
	require.NoError(t, e.store.Put(ctx, &model.CatalogDocument{
		ID: "ghost", CollectionID: "col-1", Title: "ghost",
	}))

	require.NoError(t, e.engine.Rebuild(ctx))

	_, err = e.engine.GetDocument(ctx, "ghost")
	require.ErrorIs(t, err, collection.ErrDocumentNotFound)

	got, err := e.engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "real", got.Title)
}

func TestEngine_ContentReferenceFollowsTheWinner(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.engine.CreateDocument(ctx, collection.CreateInput{
		Title:    "notes",
		MimeType: "text/plain",
		Content:  []byte("first attachment"),
	})
	require.NoError(t, err)
	firstAddress := doc.ContentAddress

	updated, err := e.engine.UpdateDocument(ctx, doc.ID, collection.UpdateInput{
		Content:  []byte("second attachment"),
		MimeType: "text/plain",
	})
	require.NoError(t, err)
	require.NotEqual(t, firstAddress, updated.ContentAddress)

	// The superseded attachment loses the document reference.
	pin, err := e.store.GetPin(firstAddress)
	require.NoError(t, err)
	require.NotNil(t, pin)
	require.NotContains(t, pin.DocumentIDs, doc.ID)

	pin, err = e.store.GetPin(updated.ContentAddress)
	require.NoError(t, err)
	require.Contains(t, pin.DocumentIDs, doc.ID)
}

func TestEngine_CommitRejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, err := e.engine.CreateDocument(context.Background(), collection.CreateInput{Title: "   "})
	require.Error(t, err)
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
}
