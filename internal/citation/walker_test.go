package citation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"litingest/internal/models"
	"litingest/internal/registry"
	"litingest/internal/util"
)

type scriptedLister struct {
	refs    []models.ExternalRef
	related []models.ExternalRef
	refsErr error
	pages   []registry.CitedByPage
	cursors []string
}

func (s *scriptedLister) ListReferences(ctx context.Context, meta models.CanonicalMetadata) ([]models.ExternalRef, error) {
	return s.refs, s.refsErr
}

func (s *scriptedLister) ListRelatedWorks(ctx context.Context, meta models.CanonicalMetadata) ([]models.ExternalRef, error) {
	return s.related, nil
}

func (s *scriptedLister) ListCitedBy(ctx context.Context, meta models.CanonicalMetadata, cursor string) (registry.CitedByPage, error) {
	s.cursors = append(s.cursors, cursor)
	i := len(s.cursors) - 1
	if i >= len(s.pages) {
		return registry.CitedByPage{}, errors.New("unexpected page request")
	}
	return s.pages[i], nil
}

func oa(id string) models.ExternalRef {
	return models.ExternalRef{Type: models.IDOpenAlex, ID: id}
}

var meta = models.CanonicalMetadata{Source: models.SourceOpenAlex, SourceID: "W1", CitedByAPIURL: "https://api.openalex.org/works?filter=cites:W1"}

func TestCitedByStopsOnRepeatedCursor(t *testing.T) {
	l := &scriptedLister{pages: []registry.CitedByPage{
		{Refs: []models.ExternalRef{oa("W10")}, NextCursor: "c1"},
		{Refs: []models.ExternalRef{oa("W11")}, NextCursor: "c2"},
		{Refs: []models.ExternalRef{oa("W12")}, NextCursor: "c2"},
		{Refs: []models.ExternalRef{oa("W13")}, NextCursor: "c3"},
	}}
	w := New(l, Options{Kinds: []models.EdgeKind{models.EdgeCitedBy}})
	edges, report, err := w.Edges(context.Background(), meta)
	require.NoError(t, err)
	require.Equal(t, []string{"*", "c1", "c2"}, l.cursors)
	require.Equal(t, []string{"c1", "c2"}, l.cursors[1:], "exactly two cursor-continued pages, the repeated c2 is never requested")
	require.Len(t, edges, 3)
	require.Equal(t, 3, report.CitedByPages)
	for _, e := range edges {
		require.Equal(t, models.EdgeCitedBy, e.Kind)
	}
}

func TestCitedByStopsOnEmptyPageAndNullCursor(t *testing.T) {
	empty := &scriptedLister{pages: []registry.CitedByPage{
		{Refs: []models.ExternalRef{oa("W10")}, NextCursor: "c1"},
		{NextCursor: "c2"},
	}}
	edges, _, err := New(empty, Options{Kinds: []models.EdgeKind{models.EdgeCitedBy}}).Edges(context.Background(), meta)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, []string{"*", "c1"}, empty.cursors)

	null := &scriptedLister{pages: []registry.CitedByPage{{Refs: []models.ExternalRef{oa("W10"), oa("W11")}}}}
	edges, _, err = New(null, Options{Kinds: []models.EdgeKind{models.EdgeCitedBy}}).Edges(context.Background(), meta)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	require.Equal(t, []string{"*"}, null.cursors)
}

func TestCitedByPageCap(t *testing.T) {
	l := &scriptedLister{pages: []registry.CitedByPage{
		{Refs: []models.ExternalRef{oa("W10")}, NextCursor: "c1"},
		{Refs: []models.ExternalRef{oa("W11")}, NextCursor: "c2"},
	}}
	edges, _, err := New(l, Options{Kinds: []models.EdgeKind{models.EdgeCitedBy}, MaxCitedByPages: 1}).Edges(context.Background(), meta)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, []string{"*"}, l.cursors)
}

func TestListingFailureDoesNotAbortSiblings(t *testing.T) {
	l := &scriptedLister{
		refsErr: errors.New("registry down"),
		related: []models.ExternalRef{oa("W20"), oa("W21"), oa("W20")},
		pages:   []registry.CitedByPage{{}},
	}
	edges, report, err := New(l, Options{}).Edges(context.Background(), meta)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	require.Len(t, report.Failures, 1)
	require.True(t, util.IsKind(report.Failures[0], util.KindCitationResolution))
	require.Len(t, report.FailureReason, 1)
}

func TestEmitErrorStopsWalk(t *testing.T) {
	l := &scriptedLister{refs: []models.ExternalRef{oa("W2"), oa("W3")}}
	boom := errors.New("queue closed")
	calls := 0
	_, err := New(l, Options{Kinds: []models.EdgeKind{models.EdgeReferences}}).Walk(context.Background(), meta, func(models.Edge) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestWalkHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := New(&scriptedLister{}, Options{}).Edges(ctx, meta)
	require.ErrorIs(t, err, context.Canceled)
}
