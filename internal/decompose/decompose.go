package decompose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"litingest/internal/models"
	"litingest/internal/util"
)

type Decomposition struct {
	FullText string         `json:"full_text"`
	Pages    []string       `json:"pages"`
	Figures  []models.Image `json:"figures"`
	Tables   []models.Image `json:"tables"`
	Notes    []string       `json:"notes,omitempty"`
}

type Options struct {
	Extractor TextExtractor
	Layout    LayoutClient
	Zoom      float64
	Logger    *slog.Logger
}

type Decomposer struct {
	extractor TextExtractor
	layout    LayoutClient
	zoom      float64
	log       *slog.Logger
}

func New(opts Options) *Decomposer {
	d := &Decomposer{extractor: opts.Extractor, layout: opts.Layout, zoom: opts.Zoom, log: opts.Logger}
	if d.extractor == nil {
		d.extractor = PDFExtractor{}
	}
	if d.zoom <= 0 {
		d.zoom = 2
	}
	if d.log == nil {
		d.log = util.DiscardLogger()
	}
	return d
}

// Decompose splits a PDF into body text and cropped figure/table images.
// Layout failures degrade to text only; an unreadable file is a DocumentParseError.
func (d *Decomposer) Decompose(ctx context.Context, pdfPath string) (Decomposition, error) {
	op := "decompose " + pdfPath
	data, err := readPDF(pdfPath)
	if err != nil {
		return Decomposition{}, util.NewError(util.KindDocumentParse, op, err)
	}
	pages, err := d.extractor.Pages(ctx, data)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Decomposition{}, err
		}
		return Decomposition{}, util.NewError(util.KindDocumentParse, op, err)
	}

	var out Decomposition
	if d.layout != nil {
		layoutPages, err := d.layout.Analyze(ctx, data, d.zoom)
		if err != nil {
			d.log.Warn("layout analysis failed", "path", pdfPath, "err", err)
			out.Notes = append(out.Notes, fmt.Sprintf("layout analysis failed: %v", err))
		} else {
			pages = applyLayout(&out, pages, layoutPages)
		}
	}

	for i, p := range pages {
		pages[i] = util.CollapseWhitespace(util.SanitizeText(p))
	}
	out.Pages = pages
	out.FullText = util.CollapseWhitespace(strings.Join(pages, " "))
	if out.FullText == "" && len(out.Figures) == 0 && len(out.Tables) == 0 {
		return Decomposition{}, util.NewError(util.KindDocumentParse, op, util.ErrNoExtractableText)
	}
	return out, nil
}

// applyLayout collects figure and table crops in (page, detection order) and lets
// OCR text override the extractor's text for the pages it covers.
func applyLayout(out *Decomposition, pages []string, layoutPages []LayoutPage) []string {
	sort.SliceStable(layoutPages, func(i, j int) bool { return layoutPages[i].Page < layoutPages[j].Page })
	for _, lp := range layoutPages {
		if lp.Page < 1 {
			continue
		}
		if ocr := strings.TrimSpace(lp.OCRText); ocr != "" {
			for len(pages) < lp.Page {
				pages = append(pages, "")
			}
			pages[lp.Page-1] = ocr
		}
		figIdx, tabIdx := 0, 0
		for _, r := range lp.Regions {
			if len(r.Image) == 0 {
				continue
			}
			switch r.Type {
			case RegionFigure:
				out.Figures = append(out.Figures, models.Image{Role: models.RoleFigure, Page: lp.Page, Index: figIdx, MIME: "image/png", Data: r.Image})
				figIdx++
			case RegionTable:
				out.Tables = append(out.Tables, models.Image{Role: models.RoleTable, Page: lp.Page, Index: tabIdx, MIME: "image/png", Data: r.Image})
				tabIdx++
			}
		}
	}
	return pages
}
