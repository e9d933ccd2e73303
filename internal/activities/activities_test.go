package activities

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"

	"litingest/internal/config"
	"litingest/internal/ingest"
	"litingest/internal/models"
	"litingest/internal/storage"
	"litingest/internal/util"
)

type stubResolver map[string]any

func (s stubResolver) Resolve(ctx context.Context, ref models.ExternalRef) (models.CanonicalMetadata, error) {
	switch v := s[ref.Key()].(type) {
	case models.CanonicalMetadata:
		return v, nil
	case error:
		return models.CanonicalMetadata{}, v
	}
	return models.CanonicalMetadata{}, util.Errorf(util.KindMetadataShape, "resolve", "no record")
}

type stubStore struct {
	byIdentity map[string]int64
	byRef      map[string]int64
	links      []string
	nextID     int64
}

func newStubStore() *stubStore {
	return &stubStore{byIdentity: map[string]int64{}, byRef: map[string]int64{}, nextID: 100}
}

func (s *stubStore) PersistPaper(ctx context.Context, projectID int64, p *models.Paper) (storage.PersistResult, error) {
	if err := storage.ValidatePaper(p); err != nil {
		return storage.PersistResult{}, err
	}
	key := p.Metadata.Identity().Key()
	if id, ok := s.byIdentity[key]; ok {
		return storage.PersistResult{PaperID: id}, nil
	}
	s.nextID++
	s.byIdentity[key] = s.nextID
	return storage.PersistResult{PaperID: s.nextID, Inserted: true}, nil
}

func (s *stubStore) FindPaper(ctx context.Context, id models.Identity) (int64, bool, error) {
	pid, ok := s.byIdentity[id.Key()]
	return pid, ok, nil
}

func (s *stubStore) FindByRef(ctx context.Context, ref models.ExternalRef) (int64, bool, error) {
	pid, ok := s.byRef[ref.Key()]
	return pid, ok, nil
}

func (s *stubStore) LinkEdge(ctx context.Context, kind models.EdgeKind, from, to int64) (bool, error) {
	s.links = append(s.links, string(kind))
	return true, nil
}

type stubBackfill struct {
	abstracts map[int64][]float32
	texts     []storage.PendingText
	chunks    int
	cleared   []int64
}

func (b *stubBackfill) ListNeedsEmbedding(ctx context.Context, projectID int64, limit int) ([]storage.PendingPaper, error) {
	return []storage.PendingPaper{{ID: 7, Abstract: "rockets"}}, nil
}

func (b *stubBackfill) UpdateAbstractEmbedding(ctx context.Context, paperID int64, vec []float32) error {
	b.abstracts[paperID] = vec
	return nil
}

func (b *stubBackfill) ListUnembeddedChunks(ctx context.Context, paperID int64) ([]storage.PendingText, error) {
	return b.texts, nil
}

func (b *stubBackfill) UpdateChunkEmbedding(ctx context.Context, t storage.PendingText, vec []float32) error {
	b.chunks++
	return nil
}

func (b *stubBackfill) ClearNeedsEmbedding(ctx context.Context, paperID int64) error {
	b.cleared = append(b.cleared, paperID)
	return nil
}

type stubEmbedder struct{ failOn string }

func (e stubEmbedder) EmbedOne(ctx context.Context, op, text string) ([]float32, error) {
	if text == e.failOn {
		return nil, util.Errorf(util.KindEmbeddingUnavailable, op, "down")
	}
	return make([]float32, storage.VectorDim), nil
}

func newTestActivities(t *testing.T, resolver stubResolver, store *stubStore) *Activities {
	t.Helper()
	p := ingest.NewPipeline(ingest.Options{Resolver: resolver, Store: store})
	return NewWithDeps(Deps{
		Config:   config.Config{DataOutRoot: t.TempDir()},
		Pipeline: p,
		Store:    store,
	})
}

func TestActivityErrCarriesKind(t *testing.T) {
	var appErr *temporal.ApplicationError

	err := activityErr(util.Errorf(util.KindTransientFetch, "fetch", "503"))
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, string(util.KindTransientFetch), appErr.Type())
	require.False(t, appErr.NonRetryable())

	err = activityErr(util.Errorf(util.KindValidation, "persist", "bad width"))
	require.True(t, errors.As(err, &appErr))
	require.True(t, appErr.NonRetryable())

	plain := errors.New("boom")
	require.Same(t, plain, activityErr(plain))
	require.NoError(t, activityErr(nil))
}

func TestResolveMetadataStatuses(t *testing.T) {
	store := newStubStore()
	store.byIdentity["pubmed:2"] = 42
	resolver := stubResolver{
		"pubmed:1":  models.CanonicalMetadata{Source: models.SourcePubMed, SourceID: "1", Title: "One", DOI: "10.1/ONE"},
		"pubmed:2":  models.CanonicalMetadata{Source: models.SourcePubMed, SourceID: "2", Title: "Two"},
		"pmcid:PMC": util.Errorf(util.KindUnsupportedSource, "resolve", "no"),
		"arxiv:9":   util.Errorf(util.KindTransientFetch, "resolve", "503"),
	}
	a := newTestActivities(t, resolver, store)
	ctx := context.Background()

	out, err := a.ResolveMetadataActivity(ctx, ResolveMetadataInput{Project: "Alpha", Ref: "pubmed:1"})
	require.NoError(t, err)
	require.Equal(t, StatusResolved, out.Status)
	require.Equal(t, []string{"pubmed:1", "doi:10.1/one"}, out.Keys)
	require.FileExists(t, out.WorkPath)

	out, err = a.ResolveMetadataActivity(ctx, ResolveMetadataInput{Project: "Alpha", Ref: "pubmed:2"})
	require.NoError(t, err)
	require.Equal(t, StatusExists, out.Status)
	require.Equal(t, int64(42), out.PaperID)

	out, err = a.ResolveMetadataActivity(ctx, ResolveMetadataInput{Project: "Alpha", Ref: "openalex:W404"})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, out.Status)

	out, err = a.ResolveMetadataActivity(ctx, ResolveMetadataInput{Project: "Alpha", Ref: "pmcid:PMC"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, out.Status)
	require.Equal(t, string(util.KindUnsupportedSource), out.Kind)

	out, err = a.ResolveMetadataActivity(ctx, ResolveMetadataInput{Project: "Alpha", Ref: "garbage"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, out.Status)

	_, err = a.ResolveMetadataActivity(ctx, ResolveMetadataInput{Project: "Alpha", Ref: "arxiv:9"})
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, string(util.KindTransientFetch), appErr.Type())
}

func TestStepActivitiesShareWorkItem(t *testing.T) {
	store := newStubStore()
	resolver := stubResolver{
		"arxiv:2101.1": models.CanonicalMetadata{Source: models.SourceArXiv, SourceID: "2101.1", Title: "Rockets"},
	}
	a := newTestActivities(t, resolver, store)
	ctx := context.Background()

	res, err := a.ResolveMetadataActivity(ctx, ResolveMetadataInput{Project: "Alpha", Ref: "arxiv:2101.1"})
	require.NoError(t, err)
	step := PaperStepInput{WorkPath: res.WorkPath}

	acq, err := a.AcquirePDFActivity(ctx, step)
	require.NoError(t, err)
	require.False(t, acq.Downloaded)
	require.Contains(t, acq.Notes, "pdf download disabled")

	_, err = a.DecomposePDFActivity(ctx, step)
	require.NoError(t, err)
	_, err = a.InterpretImagesActivity(ctx, step)
	require.NoError(t, err)
	emb, err := a.EmbedPaperActivity(ctx, EmbedPaperInput{WorkPath: res.WorkPath})
	require.NoError(t, err)
	require.True(t, emb.NeedsEmbedding)

	saved, err := a.PersistPaperActivity(ctx, PersistPaperInput{ProjectID: 1, WorkPath: res.WorkPath})
	require.NoError(t, err)
	require.True(t, saved.Inserted)
	require.Len(t, saved.Notes, 2)

	again, err := a.PersistPaperActivity(ctx, PersistPaperInput{ProjectID: 1, WorkPath: res.WorkPath})
	require.NoError(t, err)
	require.False(t, again.Inserted)
	require.Equal(t, saved.PaperID, again.PaperID)

	exp, err := a.ExpandCitationsActivity(ctx, ExpandCitationsInput{WorkPath: res.WorkPath})
	require.NoError(t, err)
	require.Empty(t, exp.Edges)
}

func TestStepActivityMissingWorkItemIsNonRetryable(t *testing.T) {
	a := newTestActivities(t, stubResolver{}, newStubStore())
	_, err := a.AcquirePDFActivity(context.Background(), PaperStepInput{WorkPath: filepath.Join(t.TempDir(), "nope.json")})
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	require.True(t, appErr.NonRetryable())
}

func TestLinkEdgesCountsUnresolvedTargets(t *testing.T) {
	store := newStubStore()
	store.byRef["openalex:W2"] = 12
	a := newTestActivities(t, stubResolver{}, store)

	out, err := a.LinkEdgesActivity(context.Background(), LinkEdgesInput{Links: []EdgeLink{
		{From: 1, Kind: models.EdgeReferences, Target: models.ExternalRef{Type: models.IDOpenAlex, ID: "W2"}},
		{From: 1, Kind: models.EdgeCitedBy, Target: models.ExternalRef{Type: models.IDOpenAlex, ID: "W3"}},
		{From: 1, Kind: models.EdgeRelatedWorks, Target: models.ExternalRef{Type: models.IDOpenAlex, ID: "W4"}, To: 13},
	}})
	require.NoError(t, err)
	require.Equal(t, LinkEdgesOutput{Linked: 2, Unresolved: 1}, out)
	require.Equal(t, []string{"references", "related_works"}, store.links)
}

func TestBackfillPaperClearsFlagOnlyWhenComplete(t *testing.T) {
	bf := &stubBackfill{
		abstracts: map[int64][]float32{},
		texts:     []storage.PendingText{{Table: "body_text_chunked", ID: 1, Text: "a"}, {Table: "figures", ID: 2, Text: "b"}},
	}
	a := NewWithDeps(Deps{Embedder: stubEmbedder{}, Backfill: bf})
	ctx := context.Background()

	list, err := a.ListNeedsEmbeddingActivity(ctx, ListNeedsEmbeddingInput{ProjectID: 1})
	require.NoError(t, err)
	require.Len(t, list.Papers, 1)

	out, err := a.BackfillPaperActivity(ctx, BackfillPaperInput{Paper: list.Papers[0]})
	require.NoError(t, err)
	require.Equal(t, BackfillPaperOutput{Embedded: 3, Cleared: true}, out)
	require.Equal(t, []int64{7}, bf.cleared)

	bf.cleared = nil
	a = NewWithDeps(Deps{Embedder: stubEmbedder{failOn: "b"}, Backfill: bf})
	out, err = a.BackfillPaperActivity(ctx, BackfillPaperInput{Paper: PendingPaper{PaperID: 8, HasAbstractEmbedding: true}})
	require.NoError(t, err)
	require.Equal(t, 1, out.Embedded)
	require.Equal(t, 1, out.Failed)
	require.False(t, out.Cleared)
	require.Empty(t, bf.cleared)
}

func TestWriteRunSummaryActivity(t *testing.T) {
	a := newTestActivities(t, stubResolver{}, newStubStore())
	out, err := a.WriteRunSummaryActivity(context.Background(), WriteRunSummaryInput{
		Project: "Alpha Beta",
		Summary: models.RunSummary{RunID: "run-1", Project: "Alpha Beta"},
	})
	require.NoError(t, err)
	require.Equal(t, "summary.json", filepath.Base(out.Path))
	b, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"run_id": "run-1"`)
}
