package acquire

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"litingest/internal/models"
	"litingest/internal/objectstore"
	"litingest/internal/util"
)

var pdfMagic = []byte("%PDF-")

// Waiter paces outbound requests per host.
type Waiter interface {
	Wait(ctx context.Context, host string) error
}

type Download struct {
	Path     string `json:"path"`
	Location string `json:"location"`
	Bytes    int64  `json:"bytes"`
	Reused   bool   `json:"reused"`
}

type Options struct {
	HTTPClient *http.Client
	Pacer      Waiter
	Store      objectstore.Store
	Logger     *slog.Logger
	UserAgent  string
}

type Acquirer struct {
	http      *http.Client
	pacer     Waiter
	store     objectstore.Store
	log       *slog.Logger
	userAgent string
}

func New(opts Options) *Acquirer {
	a := &Acquirer{
		http:      opts.HTTPClient,
		pacer:     opts.Pacer,
		store:     opts.Store,
		log:       opts.Logger,
		userAgent: opts.UserAgent,
	}
	if a.http == nil {
		a.http = &http.Client{Timeout: 2 * time.Minute}
	}
	if a.store == nil {
		a.store = objectstore.Local{}
	}
	if a.log == nil {
		a.log = util.DiscardLogger()
	}
	if a.userAgent == "" {
		a.userAgent = "litingest/1.0"
	}
	return a
}

// FileName is the deterministic on-disk name of a paper's PDF.
func FileName(id models.Identity) string {
	return util.SafeName(string(id.Source)) + "_" + util.SafeName(id.SourceID) + ".pdf"
}

// Download fetches meta.PDFURL into destDir. The file only appears under its final
// name once complete and verified, so concurrent readers never see a partial PDF.
func (a *Acquirer) Download(ctx context.Context, meta models.CanonicalMetadata, destDir string) (Download, error) {
	op := "download " + meta.Identity().Key()
	if strings.TrimSpace(meta.PDFURL) == "" {
		reason := meta.NoOpenAccess
		if reason == "" {
			reason = "no pdf url"
		}
		return Download{}, util.NewError(util.KindDownloadFailed, op, fmt.Errorf("%w: %s", util.ErrNoOpenAccess, reason))
	}
	if err := util.EnsureDir(destDir); err != nil {
		return Download{}, util.NewError(util.KindDownloadFailed, op, err)
	}
	name := FileName(meta.Identity())
	final := filepath.Join(destDir, name)

	if n, ok := validPDF(final); ok {
		loc, err := a.store.Put(ctx, final, name, "application/pdf")
		if err != nil {
			return Download{}, util.NewError(util.KindDownloadFailed, op, err)
		}
		return Download{Path: final, Location: loc, Bytes: n, Reused: true}, nil
	}

	n, err := a.fetch(ctx, meta.PDFURL, final)
	if err != nil {
		return Download{}, util.NewError(util.KindDownloadFailed, op, err)
	}
	loc, err := a.store.Put(ctx, final, name, "application/pdf")
	if err != nil {
		return Download{}, util.NewError(util.KindDownloadFailed, op, err)
	}
	a.log.Info("pdf downloaded", "source", meta.Source, "source_id", meta.SourceID, "bytes", n, "location", loc)
	return Download{Path: final, Location: loc, Bytes: n}, nil
}

func (a *Acquirer) fetch(ctx context.Context, rawURL, final string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("parse pdf url: %w", err)
	}
	if a.pacer != nil {
		if err := a.pacer.Wait(ctx, u.Host); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "application/pdf")
	resp, err := a.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("pdf request status %d", resp.StatusCode)
	}

	br := bufio.NewReader(resp.Body)
	head, err := br.Peek(len(pdfMagic))
	if err != nil || !bytes.Equal(head, pdfMagic) {
		return 0, fmt.Errorf("response is not a pdf (content-type %q)", resp.Header.Get("Content-Type"))
	}

	n, err := util.WriteAtomic(final, br)
	if err != nil {
		return 0, fmt.Errorf("save pdf: %w", err)
	}
	return n, nil
}

func validPDF(path string) (int64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, pdfMagic) {
		return 0, false
	}
	st, err := f.Stat()
	if err != nil {
		return 0, false
	}
	return st.Size(), true
}
