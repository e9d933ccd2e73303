package registry

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"litingest/internal/models"
	"litingest/internal/util"
)

type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	Citation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			Title    markupText `xml:"ArticleTitle"`
			Abstract struct {
				Sections []abstractSection `xml:"AbstractText"`
			} `xml:"Abstract"`
			Authors []pubmedAuthor `xml:"AuthorList>Author"`
		} `xml:"Article"`
	} `xml:"MedlineCitation"`
	ArticleIDs []struct {
		Type  string `xml:"IdType,attr"`
		Value string `xml:",chardata"`
	} `xml:"PubmedData>ArticleIdList>ArticleId"`
}

// markupText keeps inline tags such as <i> so their text is not dropped by chardata.
type markupText struct {
	Inner string `xml:",innerxml"`
}

type abstractSection struct {
	Label string `xml:"Label,attr"`
	Inner string `xml:",innerxml"`
}

type pubmedAuthor struct {
	LastName       string   `xml:"LastName"`
	ForeName       string   `xml:"ForeName"`
	CollectiveName string   `xml:"CollectiveName"`
	Affiliations   []string `xml:"AffiliationInfo>Affiliation"`
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

func plainText(inner string) string {
	return util.CollapseWhitespace(html.UnescapeString(tagPattern.ReplaceAllString(inner, " ")))
}

func (c *Client) efetchURL(pmid string) string {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("id", pmid)
	q.Set("retmode", "xml")
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	if c.email != "" {
		q.Set("email", c.email)
	}
	return c.pubmedBase + "/efetch.fcgi?" + q.Encode()
}

func (c *Client) fetchPubMed(ctx context.Context, pmid string) (models.CanonicalMetadata, error) {
	op := "resolve pubmed:" + pmid
	body, err := c.get(ctx, op, c.efetchURL(pmid))
	if err != nil {
		return models.CanonicalMetadata{}, err
	}
	var set pubmedArticleSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return models.CanonicalMetadata{}, util.NewError(util.KindMetadataShape, op, fmt.Errorf("decode efetch xml: %w", err))
	}
	if len(set.Articles) == 0 {
		return models.CanonicalMetadata{}, util.NewError(util.KindMetadataShape, op, util.ErrNotFound)
	}
	art := set.Articles[0]
	title := plainText(art.Citation.Article.Title.Inner)
	if title == "" {
		return models.CanonicalMetadata{}, util.Errorf(util.KindMetadataShape, op, "missing ArticleTitle")
	}
	abstract := joinAbstract(art.Citation.Article.Abstract.Sections)
	if abstract == "" {
		return models.CanonicalMetadata{}, util.Errorf(util.KindMetadataShape, op, "missing AbstractText")
	}
	meta := models.CanonicalMetadata{
		Source:   models.SourcePubMed,
		SourceID: pmid,
		Title:    title,
		Abstract: abstract,
	}
	for _, a := range art.Citation.Article.Authors {
		name := authorName(a)
		if name == "" {
			continue
		}
		author := models.Author{Name: name}
		if len(a.Affiliations) > 0 {
			author.Affiliation = util.CollapseWhitespace(a.Affiliations[0])
		}
		meta.Authors = append(meta.Authors, author)
	}
	for _, id := range art.ArticleIDs {
		if strings.EqualFold(id.Type, "doi") {
			meta.DOI = strings.TrimSpace(id.Value)
		}
	}
	return meta, nil
}

func joinAbstract(sections []abstractSection) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		text := plainText(s.Inner)
		if text == "" {
			continue
		}
		if s.Label != "" {
			text = s.Label + ": " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

// authorName renders "ForeName, LastName"; consortia carry only a CollectiveName.
func authorName(a pubmedAuthor) string {
	fore := strings.TrimSpace(a.ForeName)
	last := strings.TrimSpace(a.LastName)
	switch {
	case fore != "" && last != "":
		return fore + ", " + last
	case last != "":
		return last
	case fore != "":
		return fore
	default:
		return strings.TrimSpace(a.CollectiveName)
	}
}

// resolvePubMed hydrates from efetch and attaches the OpenAlex record when one exists.
// work may be passed in when the caller already fetched it.
func (c *Client) resolvePubMed(ctx context.Context, pmid string, work *openAlexWork) (models.CanonicalMetadata, error) {
	meta, err := c.fetchPubMed(ctx, pmid)
	if err != nil {
		return models.CanonicalMetadata{}, err
	}
	if work == nil {
		w, err := c.fetchWork(ctx, "pmid:"+pmid)
		switch {
		case err == nil:
			work = &w
		case isNotFound(err):
			c.log.Info("paper not indexed in openalex", "source", meta.Source, "source_id", pmid)
		default:
			return models.CanonicalMetadata{}, err
		}
	}
	c.attachWork(&meta, work)
	return meta, nil
}
