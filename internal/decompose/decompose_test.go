package decompose

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"litingest/internal/models"
	"litingest/internal/util"
)

type fakeExtractor struct {
	pages []string
	err   error
}

func (f fakeExtractor) Pages(ctx context.Context, data []byte) ([]string, error) {
	return append([]string(nil), f.pages...), f.err
}

type fakeLayout struct {
	pages []LayoutPage
	err   error
}

func (f fakeLayout) Analyze(ctx context.Context, pdf []byte, zoom float64) ([]LayoutPage, error) {
	return f.pages, f.err
}

func writePDF(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "paper.pdf")
	require.NoError(t, os.WriteFile(p, []byte("%PDF-1.4 fake"), 0o644))
	return p
}

func TestDecomposeJoinsPagesAndCollapsesWhitespace(t *testing.T) {
	d := New(Options{Extractor: fakeExtractor{pages: []string{"Intro\n\n  text", "", "Methods\tand results"}}})
	out, err := d.Decompose(context.Background(), writePDF(t))
	require.NoError(t, err)
	require.Equal(t, "Intro text Methods and results", out.FullText)
	require.Len(t, out.Pages, 3)
	require.Empty(t, out.Figures)
}

func TestDecomposeOrdersRegionsByPageThenDetection(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	layout := fakeLayout{pages: []LayoutPage{
		{Page: 2, Regions: []Region{{Type: RegionTable, Image: png}, {Type: RegionFigure, Image: png}}},
		{Page: 1, OCRText: "ocr page one", Regions: []Region{
			{Type: RegionFigure, Image: png}, {Type: RegionText}, {Type: RegionFigure, Image: png},
		}},
	}}
	d := New(Options{Extractor: fakeExtractor{pages: []string{"garbled", "page two"}}, Layout: layout})
	out, err := d.Decompose(context.Background(), writePDF(t))
	require.NoError(t, err)
	require.Equal(t, "ocr page one page two", out.FullText)

	require.Len(t, out.Figures, 3)
	require.Equal(t, [2]int{1, 0}, [2]int{out.Figures[0].Page, out.Figures[0].Index})
	require.Equal(t, [2]int{1, 1}, [2]int{out.Figures[1].Page, out.Figures[1].Index})
	require.Equal(t, [2]int{2, 0}, [2]int{out.Figures[2].Page, out.Figures[2].Index})
	require.Len(t, out.Tables, 1)
	require.Equal(t, models.RoleTable, out.Tables[0].Role)
	require.Equal(t, 2, out.Tables[0].Page)
}

func TestDecomposeLayoutFailureKeepsText(t *testing.T) {
	d := New(Options{Extractor: fakeExtractor{pages: []string{"body"}}, Layout: fakeLayout{err: errors.New("gpu busy")}})
	out, err := d.Decompose(context.Background(), writePDF(t))
	require.NoError(t, err)
	require.Equal(t, "body", out.FullText)
	require.Len(t, out.Notes, 1)
}

func TestDecomposeUnreadableIsParseError(t *testing.T) {
	d := New(Options{Extractor: fakeExtractor{err: errors.New("xref broken")}})
	_, err := d.Decompose(context.Background(), writePDF(t))
	require.Equal(t, util.KindDocumentParse, util.KindOf(err))

	notPDF := filepath.Join(t.TempDir(), "x.pdf")
	require.NoError(t, os.WriteFile(notPDF, []byte("<html>"), 0o644))
	_, err = New(Options{}).Decompose(context.Background(), notPDF)
	require.Equal(t, util.KindDocumentParse, util.KindOf(err))
}

func TestDecomposeEmptyDocument(t *testing.T) {
	d := New(Options{Extractor: fakeExtractor{pages: []string{"  ", ""}}})
	_, err := d.Decompose(context.Background(), writePDF(t))
	require.Equal(t, util.KindDocumentParse, util.KindOf(err))
	require.True(t, errors.Is(err, util.ErrNoExtractableText))
}

func TestHTTPLayoutDecodesRegions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req layoutRequest
		if r.URL.Path != "/analyze" || json.NewDecoder(r.Body).Decode(&req) != nil || req.Zoom != 2 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pages": []map[string]any{{
				"page":     1,
				"ocr_text": "hello",
				"regions":  []map[string]any{{"type": "Figure", "bbox": []float64{0, 0, 10, 10}, "image_png": base64.StdEncoding.EncodeToString([]byte("png"))}},
			}},
		})
	}))
	defer srv.Close()

	pages, err := NewHTTPLayout(srv.URL, 0).Analyze(context.Background(), []byte("%PDF-"), 2)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, "hello", pages[0].OCRText)
	require.Equal(t, RegionFigure, pages[0].Regions[0].Type)
	require.Equal(t, []byte("png"), pages[0].Regions[0].Image)
}

func TestNewExtractor(t *testing.T) {
	e, err := NewExtractor("docconv")
	require.NoError(t, err)
	require.IsType(t, DocconvExtractor{}, e)
	_, err = NewExtractor("tika")
	require.Error(t, err)
}
