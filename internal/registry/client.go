package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"litingest/internal/models"
	"litingest/internal/util"
)

const (
	DefaultPubMedBase   = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	DefaultArXivBase    = "http://export.arxiv.org/api/query"
	DefaultOpenAlexBase = "https://api.openalex.org"
)

type Options struct {
	PubMedBase      string
	ArXivBase       string
	OpenAlexBase    string
	NCBIAPIKey      string
	ContactEmail    string
	Retries         int
	RetryBackoff    time.Duration
	CitedByPageSize int
	HTTPClient      *http.Client
	Pacer           *Pacer
	Logger          *slog.Logger
}

// Client resolves external ids against PubMed, arXiv and OpenAlex.
type Client struct {
	pubmedBase   string
	arxivBase    string
	openalexBase string
	apiKey       string
	email        string
	retries      int
	backoff      time.Duration
	pageSize     int
	http         *http.Client
	pacer        *Pacer
	log          *slog.Logger
}

func New(opts Options) *Client {
	c := &Client{
		pubmedBase:   strings.TrimRight(firstNonEmpty(opts.PubMedBase, DefaultPubMedBase), "/"),
		arxivBase:    firstNonEmpty(opts.ArXivBase, DefaultArXivBase),
		openalexBase: strings.TrimRight(firstNonEmpty(opts.OpenAlexBase, DefaultOpenAlexBase), "/"),
		apiKey:       opts.NCBIAPIKey,
		email:        opts.ContactEmail,
		retries:      opts.Retries,
		backoff:      opts.RetryBackoff,
		pageSize:     opts.CitedByPageSize,
		http:         opts.HTTPClient,
		pacer:        opts.Pacer,
		log:          opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	if c.backoff <= 0 {
		c.backoff = 500 * time.Millisecond
	}
	if c.pageSize <= 0 {
		c.pageSize = 200
	}
	if c.retries < 0 {
		c.retries = 0
	}
	if c.log == nil {
		c.log = util.DiscardLogger()
	}
	return c
}

// Resolve fetches and normalizes the record behind ref.
func (c *Client) Resolve(ctx context.Context, ref models.ExternalRef) (models.CanonicalMetadata, error) {
	switch ref.Type {
	case models.IDPubMed:
		return c.resolvePubMed(ctx, ref.ID, nil)
	case models.IDArXiv:
		return c.resolveArXiv(ctx, ref.ID, nil)
	case models.IDOpenAlex, models.IDDOI, models.IDPMCID:
		return c.resolveViaOpenAlex(ctx, ref)
	default:
		return models.CanonicalMetadata{}, util.Errorf(util.KindUnsupportedSource, "resolve "+ref.Key(), "unsupported id type %q", ref.Type)
	}
}

// get performs a paced GET, retrying transient failures with exponential backoff.
func (c *Client) get(ctx context.Context, op, rawURL string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, err := c.fetch(ctx, op, rawURL)
		if err == nil {
			return body, nil
		}
		if !util.IsKind(err, util.KindTransientFetch) || attempt >= c.retries || ctx.Err() != nil {
			return nil, err
		}
		wait := c.backoff * time.Duration(1<<attempt)
		c.log.Debug("registry retry", "op", op, "attempt", attempt+1, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil, util.NewError(util.KindTransientFetch, op, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (c *Client) fetch(ctx context.Context, op, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, util.NewError(util.KindMetadataShape, op, fmt.Errorf("parse url: %w", err))
	}
	if err := c.pacer.Wait(ctx, u.Host); err != nil {
		return nil, util.NewError(util.KindTransientFetch, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, util.NewError(util.KindMetadataShape, op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent(c.email))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, util.NewError(util.KindTransientFetch, op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, util.NewError(util.KindTransientFetch, op, fmt.Errorf("read body: %w", err))
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, util.NewError(util.KindMetadataShape, op, util.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, util.NewError(util.KindTransientFetch, op, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(body)))
	case resp.StatusCode >= 400:
		return nil, util.NewError(util.KindMetadataShape, op, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(body)))
	}
	return body, nil
}

func userAgent(email string) string {
	if email == "" {
		return "litingest/1.0"
	}
	return "litingest/1.0 (mailto:" + email + ")"
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// lastSegment returns the final path element of an id URL such as
// https://openalex.org/W123 or https://pubmed.ncbi.nlm.nih.gov/456.
func lastSegment(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func isNotFound(err error) bool {
	return errors.Is(err, util.ErrNotFound)
}
