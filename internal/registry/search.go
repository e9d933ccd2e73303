package registry

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"litingest/internal/models"
	"litingest/internal/util"
)

type esearchResult struct {
	IDs []string `xml:"IdList>Id"`
}

// Search returns registry ids matching query. database is "pubmed" or "arxiv";
// sort applies to PubMed only and is "relevance" or "pub_date".
func (c *Client) Search(ctx context.Context, database, query, sort string, max int) ([]models.ExternalRef, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, util.Errorf(util.KindValidation, "search", "empty query")
	}
	if max <= 0 {
		max = 20
	}
	switch strings.ToLower(database) {
	case "", "pubmed":
		return c.searchPubMed(ctx, query, sort, max)
	case "arxiv":
		return c.searchArXiv(ctx, query, max)
	default:
		return nil, util.Errorf(util.KindUnsupportedSource, "search", "unsupported database %q", database)
	}
}

func (c *Client) searchPubMed(ctx context.Context, query, sort string, max int) ([]models.ExternalRef, error) {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("term", query)
	q.Set("retmax", strconv.Itoa(max))
	q.Set("retmode", "xml")
	switch strings.ToLower(sort) {
	case "pub_date", "pub+date", "date":
		q.Set("sort", "pub date")
	default:
		q.Set("sort", "relevance")
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	if c.email != "" {
		q.Set("email", c.email)
	}
	body, err := c.get(ctx, "search pubmed", c.pubmedBase+"/esearch.fcgi?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var res esearchResult
	if err := xml.Unmarshal(body, &res); err != nil {
		return nil, util.NewError(util.KindMetadataShape, "search pubmed", fmt.Errorf("decode esearch xml: %w", err))
	}
	out := make([]models.ExternalRef, 0, len(res.IDs))
	for _, id := range res.IDs {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, models.ExternalRef{Type: models.IDPubMed, ID: id})
		}
	}
	return out, nil
}
