package registry

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"litingest/internal/models"
	"litingest/internal/util"
)

type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID      string `xml:"id"`
	Title   string `xml:"title"`
	Summary string `xml:"summary"`
	DOI     string `xml:"doi"`
	Authors []struct {
		Name        string `xml:"name"`
		Affiliation string `xml:"affiliation"`
	} `xml:"author"`
}

var arxivVersion = regexp.MustCompile(`v\d+$`)

func (c *Client) fetchArXiv(ctx context.Context, id string) (models.CanonicalMetadata, error) {
	op := "resolve arxiv:" + id
	q := url.Values{}
	q.Set("id_list", id)
	q.Set("max_results", "1")
	body, err := c.get(ctx, op, c.arxivBase+"?"+q.Encode())
	if err != nil {
		return models.CanonicalMetadata{}, err
	}
	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return models.CanonicalMetadata{}, util.NewError(util.KindMetadataShape, op, fmt.Errorf("decode atom feed: %w", err))
	}
	if len(feed.Entries) == 0 || strings.Contains(feed.Entries[0].ID, "/api/errors") {
		return models.CanonicalMetadata{}, util.NewError(util.KindMetadataShape, op, util.ErrNotFound)
	}
	e := feed.Entries[0]
	meta := models.CanonicalMetadata{
		Source:   models.SourceArXiv,
		SourceID: arxivVersion.ReplaceAllString(id, ""),
		Title:    util.CollapseWhitespace(e.Title),
		Abstract: util.CollapseWhitespace(e.Summary),
		DOI:      strings.TrimSpace(e.DOI),
	}
	if meta.Title == "" {
		return models.CanonicalMetadata{}, util.Errorf(util.KindMetadataShape, op, "missing title")
	}
	if meta.Abstract == "" {
		return models.CanonicalMetadata{}, util.Errorf(util.KindMetadataShape, op, "missing summary")
	}
	for _, a := range e.Authors {
		name := util.CollapseWhitespace(a.Name)
		if name == "" {
			continue
		}
		meta.Authors = append(meta.Authors, models.Author{Name: name, Affiliation: util.CollapseWhitespace(a.Affiliation)})
	}
	return meta, nil
}

func arxivDOI(id string) string {
	return "10.48550/arXiv." + arxivVersion.ReplaceAllString(id, "")
}

// arxivIDFromDOI maps the DataCite arXiv DOI back to the arXiv id.
func arxivIDFromDOI(doi string) (string, bool) {
	const prefix = "10.48550/arxiv."
	d := strings.TrimPrefix(strings.TrimSpace(doi), "https://doi.org/")
	if len(d) <= len(prefix) || !strings.EqualFold(d[:len(prefix)], prefix) {
		return "", false
	}
	return d[len(prefix):], true
}

func (c *Client) resolveArXiv(ctx context.Context, id string, work *openAlexWork) (models.CanonicalMetadata, error) {
	meta, err := c.fetchArXiv(ctx, id)
	if err != nil {
		return models.CanonicalMetadata{}, err
	}
	if work == nil {
		w, err := c.fetchWork(ctx, "doi:"+arxivDOI(id))
		switch {
		case err == nil:
			work = &w
		case isNotFound(err):
			c.log.Info("paper not indexed in openalex", "source", meta.Source, "source_id", id)
		default:
			return models.CanonicalMetadata{}, err
		}
	}
	c.attachWork(&meta, work)
	return meta, nil
}

func (c *Client) searchArXiv(ctx context.Context, query string, max int) ([]models.ExternalRef, error) {
	q := url.Values{}
	q.Set("search_query", "all:"+query)
	q.Set("max_results", strconv.Itoa(max))
	body, err := c.get(ctx, "search arxiv", c.arxivBase+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, util.NewError(util.KindMetadataShape, "search arxiv", fmt.Errorf("decode atom feed: %w", err))
	}
	out := make([]models.ExternalRef, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		if strings.Contains(e.ID, "/api/errors") {
			continue
		}
		id := strings.TrimSpace(e.ID)
		if i := strings.Index(id, "/abs/"); i >= 0 {
			id = id[i+len("/abs/"):]
		}
		id = arxivVersion.ReplaceAllString(id, "")
		if id != "" {
			out = append(out, models.ExternalRef{Type: models.IDArXiv, ID: id})
		}
	}
	return out, nil
}
