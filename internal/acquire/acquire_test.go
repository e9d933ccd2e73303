package acquire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"litingest/internal/models"
	"litingest/internal/util"
)

func testMeta(pdfURL string) models.CanonicalMetadata {
	return models.CanonicalMetadata{Source: models.SourcePubMed, SourceID: "12345", Title: "t", Abstract: "a", PDFURL: pdfURL}
}

func TestDownloadWritesDeterministicName(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7\nbody"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	a := New(Options{HTTPClient: srv.Client()})
	d, err := a.Download(context.Background(), testMeta(srv.URL+"/x.pdf"), dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "pubmed_12345.pdf"), d.Path)
	require.Equal(t, d.Path, d.Location)
	require.EqualValues(t, len("%PDF-1.7\nbody"), d.Bytes)
	require.False(t, d.Reused)

	again, err := a.Download(context.Background(), testMeta(srv.URL+"/x.pdf"), dir)
	require.NoError(t, err)
	require.True(t, again.Reused)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDownload404IsDownloadFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	_, err := New(Options{HTTPClient: srv.Client()}).Download(context.Background(), testMeta(srv.URL+"/gone.pdf"), dir)
	require.Error(t, err)
	require.Equal(t, util.KindDownloadFailed, util.KindOf(err))
	_, statErr := os.Stat(filepath.Join(dir, "pubmed_12345.pdf"))
	require.True(t, os.IsNotExist(statErr))
}

func TestDownloadRejectsHTMLLandingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := New(Options{HTTPClient: srv.Client()}).Download(context.Background(), testMeta(srv.URL+"/a.pdf"), dir)
	require.Equal(t, util.KindDownloadFailed, util.KindOf(err))
	entries, _ := os.ReadDir(dir)
	require.Empty(t, entries)
}

func TestDownloadWithoutURL(t *testing.T) {
	meta := testMeta("")
	meta.NoOpenAccess = "no open-access location"
	_, err := New(Options{}).Download(context.Background(), meta, t.TempDir())
	require.Equal(t, util.KindDownloadFailed, util.KindOf(err))
	require.True(t, errors.Is(err, util.ErrNoOpenAccess))
}

type countingPacer struct{ hosts []string }

func (p *countingPacer) Wait(ctx context.Context, host string) error {
	p.hosts = append(p.hosts, host)
	return nil
}

func TestDownloadWaitsOnPacer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	p := &countingPacer{}
	_, err := New(Options{HTTPClient: srv.Client(), Pacer: p}).Download(context.Background(), testMeta(srv.URL+"/a.pdf"), t.TempDir())
	require.NoError(t, err)
	require.Len(t, p.hosts, 1)
}
