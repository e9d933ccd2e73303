package providers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedEmbedder struct {
	name  string
	errs  []error
	width int
	calls int
}

func (s *scriptedEmbedder) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, ProviderInfo{Name: s.name}, s.errs[i]
	}
	width := s.width
	if width == 0 {
		width = 1
	}
	return [][]float32{make([]float32, width)}, ProviderInfo{Name: s.name, Model: "m"}, nil
}

type memRecorder struct {
	mu   sync.Mutex
	recs []CallRecord
}

func (r *memRecorder) RecordCall(ctx context.Context, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func testManager(embedders ...*scriptedEmbedder) *Manager {
	m := newManager(time.Hour)
	m.backoff = time.Millisecond
	for _, e := range embedders {
		m.embedProviders = append(m.embedProviders, NamedEmbedProvider{Ref: ProviderRef{Raw: e.name, Name: e.name}, Provider: e})
	}
	return m
}

func TestManagerFailsOverAndCoolsDownOnQuota(t *testing.T) {
	primary := &scriptedEmbedder{name: "openai", errs: []error{errors.New("insufficient_quota")}}
	fallback := &scriptedEmbedder{name: "ollama"}
	m := testManager(primary, fallback)
	rec := &memRecorder{}
	m.SetRecorder(rec)

	_, info, err := m.Embed(context.Background(), EmbedRequest{Operation: "abstract"})
	require.NoError(t, err)
	require.Equal(t, "ollama", info.Name)

	_, info, err = m.Embed(context.Background(), EmbedRequest{Operation: "abstract"})
	require.NoError(t, err)
	require.Equal(t, "ollama", info.Name)
	require.Equal(t, 1, primary.calls)

	require.Len(t, rec.recs, 3)
	require.Equal(t, "failed", rec.recs[0].Status)
	require.Equal(t, string(ErrorQuota), rec.recs[0].ErrorType)
	require.Equal(t, "ok", rec.recs[1].Status)
}

func TestManagerRetriesTransientOnSameProvider(t *testing.T) {
	p := &scriptedEmbedder{name: "openai", errs: []error{errors.New("service temporarily unavailable")}}
	m := testManager(p)
	_, _, err := m.Embed(context.Background(), EmbedRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, p.calls)
}

func TestManagerExhausted(t *testing.T) {
	p := &scriptedEmbedder{name: "openai", errs: []error{errors.New("bad request")}}
	m := testManager(p)
	_, _, err := m.Embed(context.Background(), EmbedRequest{})
	require.ErrorIs(t, err, ErrProvidersExhausted)

	_, _, err = m.Embed(context.Background(), EmbedRequest{})
	require.ErrorIs(t, err, ErrProvidersExhausted)
	require.Equal(t, 1, p.calls)
}

func TestManagerFailsOverOnWrongWidth(t *testing.T) {
	gemini := &scriptedEmbedder{name: "gemini", width: 768}
	openai := &scriptedEmbedder{name: "openai", width: 1024}
	m := testManager(gemini, openai)
	rec := &memRecorder{}
	m.SetRecorder(rec)

	vecs, info, err := m.Embed(context.Background(), EmbedRequest{Operation: "abstract", Inputs: []string{"x"}, Dimension: 1024})
	require.NoError(t, err)
	require.Equal(t, "openai", info.Name)
	require.Len(t, vecs[0], 1024)
	require.Equal(t, 1, gemini.calls)
	require.Equal(t, 1, openai.calls)
	require.Equal(t, "failed", rec.recs[0].Status)
	require.Equal(t, string(ErrorPermanent), rec.recs[0].ErrorType)

	_, _, err = testManager(&scriptedEmbedder{name: "gemini", width: 768}).Embed(context.Background(), EmbedRequest{Dimension: 1024})
	require.ErrorIs(t, err, ErrProvidersExhausted)
	require.ErrorIs(t, err, ErrWidthMismatch)
}

func TestPreferredOrderPutsMockLast(t *testing.T) {
	names := []string{"mock", "openai", "gemini"}
	got := preferredOrder(len(names), func(i int) string { return names[i] })
	require.Equal(t, []int{1, 2, 0}, got)
}
