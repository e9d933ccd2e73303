package decompose

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type RegionType string

const (
	RegionText   RegionType = "Text"
	RegionTitle  RegionType = "Title"
	RegionList   RegionType = "List"
	RegionTable  RegionType = "Table"
	RegionFigure RegionType = "Figure"
)

// Region is one detected block on a rendered page.
type Region struct {
	Type  RegionType `json:"type"`
	BBox  [4]float64 `json:"bbox"`
	Image []byte     `json:"image_png,omitempty"`
	Score float64    `json:"score,omitempty"`
}

type LayoutPage struct {
	Page    int      `json:"page"`
	OCRText string   `json:"ocr_text"`
	Regions []Region `json:"regions"`
}

// LayoutClient detects figures and tables and OCRs rendered pages.
type LayoutClient interface {
	Analyze(ctx context.Context, pdf []byte, zoom float64) ([]LayoutPage, error)
}

// HTTPLayout talks to a layout/OCR sidecar that accepts {"pdf": base64, "zoom": n}
// and answers {"pages": [...]}, PNG crops base64 encoded.
type HTTPLayout struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLayout(baseURL string, timeout time.Duration) *HTTPLayout {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPLayout{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}}
}

type layoutRequest struct {
	PDF  string  `json:"pdf"`
	Zoom float64 `json:"zoom"`
}

type layoutResponse struct {
	Pages []struct {
		Page    int    `json:"page"`
		OCRText string `json:"ocr_text"`
		Regions []struct {
			Type     string     `json:"type"`
			BBox     [4]float64 `json:"bbox"`
			ImagePNG string     `json:"image_png"`
			Score    float64    `json:"score"`
		} `json:"regions"`
	} `json:"pages"`
}

func (l *HTTPLayout) Analyze(ctx context.Context, pdf []byte, zoom float64) ([]LayoutPage, error) {
	body, err := json.Marshal(layoutRequest{PDF: base64.StdEncoding.EncodeToString(pdf), Zoom: zoom})
	if err != nil {
		return nil, fmt.Errorf("marshal layout request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("layout request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("layout status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out layoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode layout response: %w", err)
	}
	pages := make([]LayoutPage, 0, len(out.Pages))
	for _, p := range out.Pages {
		lp := LayoutPage{Page: p.Page, OCRText: p.OCRText}
		for _, r := range p.Regions {
			region := Region{Type: RegionType(r.Type), BBox: r.BBox, Score: r.Score}
			if r.ImagePNG != "" {
				img, err := base64.StdEncoding.DecodeString(r.ImagePNG)
				if err != nil {
					return nil, fmt.Errorf("decode region image on page %d: %w", p.Page, err)
				}
				region.Image = img
			}
			lp.Regions = append(lp.Regions, region)
		}
		pages = append(pages, lp)
	}
	return pages, nil
}
