package decompose

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"
)

// TextExtractor returns the plain text of every page in order. A page that cannot be
// read contributes "". An error means the document as a whole is unreadable.
type TextExtractor interface {
	Pages(ctx context.Context, data []byte) ([]string, error)
}

// NewExtractor picks the extractor named by LITINGEST_TEXT_EXTRACTOR.
func NewExtractor(name string) (TextExtractor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pdf":
		return PDFExtractor{}, nil
	case "docconv":
		return DocconvExtractor{}, nil
	default:
		return nil, fmt.Errorf("unsupported text extractor: %s", name)
	}
}

type PDFExtractor struct{}

func (PDFExtractor) Pages(ctx context.Context, data []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	n := reader.NumPage()
	pages := make([]string, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pages[i-1] = pageText(reader, i)
	}
	return pages, nil
}

// pageText recovers from panics inside the pdf library on malformed content streams.
func pageText(reader *pdf.Reader, i int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
		}
	}()
	page := reader.Page(i)
	if page.V.IsNull() {
		return ""
	}
	t, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return t
}

// DocconvExtractor shells out through docconv (pdftotext). It has no page boundaries,
// so the whole document comes back as a single page.
type DocconvExtractor struct{}

func (DocconvExtractor) Pages(ctx context.Context, data []byte) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, _, err := docconv.ConvertPDF(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("docconv pdf: %w", err)
	}
	return []string{body}, nil
}

func readPDF(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, fmt.Errorf("%s is not a pdf", path)
	}
	return data, nil
}
