package util

import (
	"errors"
	"fmt"
)

var (
	ErrNoExtractableText = errors.New("no extractable text found in PDF")
	ErrNotFound          = errors.New("record not found")
	ErrNoOpenAccess      = errors.New("no open-access pdf link")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Kind classifies an ingestion failure. The string value doubles as the Temporal
// ApplicationError type so workflows can branch on it after a retry boundary.
type Kind string

const (
	KindTransientFetch       Kind = "TransientFetchError"
	KindMetadataShape        Kind = "MetadataShapeError"
	KindUnsupportedSource    Kind = "UnsupportedSourceError"
	KindDownloadFailed       Kind = "DownloadFailed"
	KindDocumentParse        Kind = "DocumentParseError"
	KindEmbeddingUnavailable Kind = "EmbeddingUnavailableError"
	KindCaptionUnavailable   Kind = "CaptionUnavailableError"
	KindDuplicateIdentity    Kind = "DuplicateIdentityError"
	KindCitationResolution   Kind = "CitationResolutionError"
	KindValidation           Kind = "ValidationError"
	KindStore                Kind = "StoreError"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a retry of the same call could succeed.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransientFetch, KindEmbeddingUnavailable, KindCaptionUnavailable, KindStore:
		return true
	default:
		return false
	}
}

// Hard reports whether a failure of this kind breaks store integrity. A run reports
// hard failures as an error once every other paper is done.
func Hard(kind Kind) bool {
	switch kind {
	case KindDuplicateIdentity, KindStore, KindValidation:
		return true
	default:
		return false
	}
}
