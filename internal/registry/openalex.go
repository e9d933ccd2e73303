package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"litingest/internal/models"
	"litingest/internal/util"
)

// keptOpenAlexFields is the subset of an OpenAlex work stored with each paper.
var keptOpenAlexFields = []string{
	"id", "ids", "doi", "title", "topics", "keywords", "concepts", "mesh",
	"best_oa_location", "referenced_works", "related_works", "cited_by_api_url", "datasets",
}

type openAlexWork struct {
	ID  string `json:"id"`
	IDs struct {
		OpenAlex string `json:"openalex"`
		DOI      string `json:"doi"`
		PMID     string `json:"pmid"`
		PMCID    string `json:"pmcid"`
	} `json:"ids"`
	DOI                   string           `json:"doi"`
	Title                 string           `json:"title"`
	DisplayName           string           `json:"display_name"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
	Authorships           []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
		RawAffiliationStrings []string `json:"raw_affiliation_strings"`
		Institutions          []struct {
			DisplayName string `json:"display_name"`
		} `json:"institutions"`
	} `json:"authorships"`
	BestOALocation *struct {
		PDFURL         string `json:"pdf_url"`
		LandingPageURL string `json:"landing_page_url"`
	} `json:"best_oa_location"`
	ReferencedWorks []string `json:"referenced_works"`
	RelatedWorks    []string `json:"related_works"`
	CitedByAPIURL   string   `json:"cited_by_api_url"`

	raw json.RawMessage
}

type citedByResponse struct {
	Meta struct {
		NextCursor *string `json:"next_cursor"`
	} `json:"meta"`
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}

// CitedByPage is one cursor page of citing works. NextCursor is "" when the registry returned null.
type CitedByPage struct {
	Refs       []models.ExternalRef
	NextCursor string
}

func (c *Client) workURL(key string) string {
	u := c.openalexBase + "/works/" + key
	if c.email != "" {
		u += "?mailto=" + url.QueryEscape(c.email)
	}
	return u
}

func (c *Client) fetchWork(ctx context.Context, key string) (openAlexWork, error) {
	op := "openalex work " + key
	body, err := c.get(ctx, op, c.workURL(key))
	if err != nil {
		return openAlexWork{}, err
	}
	var w openAlexWork
	if err := json.Unmarshal(body, &w); err != nil {
		return openAlexWork{}, util.NewError(util.KindMetadataShape, op, fmt.Errorf("decode work: %w", err))
	}
	if w.ID == "" {
		return openAlexWork{}, util.NewError(util.KindMetadataShape, op, util.ErrNotFound)
	}
	filtered, err := filterWork(body)
	if err != nil {
		return openAlexWork{}, util.NewError(util.KindMetadataShape, op, err)
	}
	w.raw = filtered
	return w, nil
}

func filterWork(body []byte) (json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("decode work fields: %w", err)
	}
	kept := make(map[string]json.RawMessage, len(keptOpenAlexFields))
	for _, k := range keptOpenAlexFields {
		if v, ok := all[k]; ok {
			kept[k] = v
		}
	}
	b, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("encode filtered work: %w", err)
	}
	return b, nil
}

func openAlexKey(ref models.ExternalRef) string {
	switch ref.Type {
	case models.IDDOI:
		return "doi:" + strings.TrimPrefix(ref.ID, "https://doi.org/")
	case models.IDPMCID:
		return "pmcid:" + ref.ID
	default:
		return lastSegment(ref.ID)
	}
}

// resolveViaOpenAlex picks the canonical identity for ids only OpenAlex can dereference:
// PubMed when the work has a PMID, arXiv for arXiv DOIs, otherwise the OpenAlex work itself.
func (c *Client) resolveViaOpenAlex(ctx context.Context, ref models.ExternalRef) (models.CanonicalMetadata, error) {
	w, err := c.fetchWork(ctx, openAlexKey(ref))
	if err != nil {
		return models.CanonicalMetadata{}, err
	}
	if pmid := lastSegment(w.IDs.PMID); pmid != "" {
		return c.resolvePubMed(ctx, pmid, &w)
	}
	if id, ok := arxivIDFromDOI(firstNonEmpty(w.DOI, w.IDs.DOI)); ok {
		return c.resolveArXiv(ctx, id, &w)
	}

	op := "resolve " + ref.Key()
	meta := models.CanonicalMetadata{
		Source:   models.SourceOpenAlex,
		SourceID: lastSegment(w.ID),
		Title:    util.CollapseWhitespace(firstNonEmpty(w.Title, w.DisplayName)),
		Abstract: invertedAbstract(w.AbstractInvertedIndex),
	}
	if meta.Title == "" {
		return models.CanonicalMetadata{}, util.Errorf(util.KindMetadataShape, op, "missing title")
	}
	if meta.Abstract == "" {
		return models.CanonicalMetadata{}, util.Errorf(util.KindMetadataShape, op, "missing abstract")
	}
	for _, a := range w.Authorships {
		name := util.CollapseWhitespace(a.Author.DisplayName)
		if name == "" {
			continue
		}
		author := models.Author{Name: name}
		switch {
		case len(a.RawAffiliationStrings) > 0:
			author.Affiliation = a.RawAffiliationStrings[0]
		case len(a.Institutions) > 0:
			author.Affiliation = a.Institutions[0].DisplayName
		}
		meta.Authors = append(meta.Authors, author)
	}
	c.attachWork(&meta, &w)
	return meta, nil
}

// attachWork copies OA location and citation lists from w onto meta. A nil work leaves
// the paper without a PDF link or edges.
func (c *Client) attachWork(meta *models.CanonicalMetadata, w *openAlexWork) {
	if w == nil {
		meta.NoOpenAccess = "not indexed in openalex"
		return
	}
	meta.OpenAlexID = lastSegment(w.ID)
	if meta.DOI == "" {
		meta.DOI = strings.TrimPrefix(firstNonEmpty(w.DOI, w.IDs.DOI), "https://doi.org/")
	}
	meta.References = w.ReferencedWorks
	meta.RelatedWorks = w.RelatedWorks
	meta.CitedByAPIURL = w.CitedByAPIURL
	meta.OpenAlex = w.raw
	switch {
	case w.BestOALocation == nil || strings.TrimSpace(w.BestOALocation.PDFURL) == "":
		meta.NoOpenAccess = "no open-access location"
	case !isDirectPDF(w.BestOALocation.PDFURL):
		meta.NoOpenAccess = "open-access link is not a direct pdf"
	default:
		meta.PDFURL = strings.TrimSpace(w.BestOALocation.PDFURL)
	}
}

func isDirectPDF(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

func invertedAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}
	type placed struct {
		pos  int
		word string
	}
	words := make([]placed, 0, len(index)*2)
	for w, positions := range index {
		for _, p := range positions {
			words = append(words, placed{pos: p, word: w})
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if words[i].pos == words[j].pos {
			return words[i].word < words[j].word
		}
		return words[i].pos < words[j].pos
	})
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, w.word)
	}
	return util.CollapseWhitespace(strings.Join(parts, " "))
}

func workRefs(urls []string) []models.ExternalRef {
	out := make([]models.ExternalRef, 0, len(urls))
	for _, u := range urls {
		if id := lastSegment(u); id != "" {
			out = append(out, models.ExternalRef{Type: models.IDOpenAlex, ID: id})
		}
	}
	return out
}

// ListReferences and ListRelatedWorks read the lists carried on meta; no request is made.
func (c *Client) ListReferences(ctx context.Context, meta models.CanonicalMetadata) ([]models.ExternalRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return workRefs(meta.References), nil
}

func (c *Client) ListRelatedWorks(ctx context.Context, meta models.CanonicalMetadata) ([]models.ExternalRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return workRefs(meta.RelatedWorks), nil
}

// ListCitedBy fetches one cursor page of works citing meta. The first call uses cursor "*".
func (c *Client) ListCitedBy(ctx context.Context, meta models.CanonicalMetadata, cursor string) (CitedByPage, error) {
	op := "cited-by " + meta.Identity().Key()
	if meta.CitedByAPIURL == "" {
		return CitedByPage{}, nil
	}
	u, err := url.Parse(meta.CitedByAPIURL)
	if err != nil {
		return CitedByPage{}, util.NewError(util.KindCitationResolution, op, fmt.Errorf("parse cited_by_api_url: %w", err))
	}
	q := u.Query()
	q.Set("cursor", cursor)
	q.Set("per-page", strconv.Itoa(c.pageSize))
	q.Set("select", "id")
	if c.email != "" {
		q.Set("mailto", c.email)
	}
	u.RawQuery = q.Encode()
	body, err := c.get(ctx, op, u.String())
	if err != nil {
		return CitedByPage{}, err
	}
	var resp citedByResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return CitedByPage{}, util.NewError(util.KindCitationResolution, op, fmt.Errorf("decode cited-by page: %w", err))
	}
	page := CitedByPage{Refs: make([]models.ExternalRef, 0, len(resp.Results))}
	for _, r := range resp.Results {
		if id := lastSegment(r.ID); id != "" {
			page.Refs = append(page.Refs, models.ExternalRef{Type: models.IDOpenAlex, ID: id})
		}
	}
	if resp.Meta.NextCursor != nil {
		page.NextCursor = *resp.Meta.NextCursor
	}
	return page, nil
}
