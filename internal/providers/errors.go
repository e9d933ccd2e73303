package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ErrorType string

const (
	ErrorQuota     ErrorType = "quota"
	ErrorRate      ErrorType = "rate"
	ErrorTransient ErrorType = "transient"
	ErrorPermanent ErrorType = "permanent"
	ErrorContext   ErrorType = "context"
)

// StatusError is a non-2xx reply from an HTTP model provider.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Status, body)
}

// ClassifyError decides how the failover loop treats a provider failure. Typed HTTP
// and gRPC statuses win; the message is only inspected for untyped errors.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusPaymentRequired, strings.Contains(se.Body, "insufficient_quota"):
			return ErrorQuota
		case se.Status == http.StatusTooManyRequests:
			return ErrorRate
		case se.Status == http.StatusRequestEntityTooLarge:
			return ErrorContext
		case se.Status >= 500:
			return ErrorTransient
		}
		return classifyMessage(se.Body)
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.ResourceExhausted:
			if strings.Contains(strings.ToLower(st.Message()), "quota") {
				return ErrorQuota
			}
			return ErrorRate
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return ErrorTransient
		case codes.InvalidArgument:
			return classifyMessage(st.Message())
		default:
			return ErrorPermanent
		}
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) ErrorType {
	e := strings.ToLower(msg)
	switch {
	case strings.Contains(e, "quota"), strings.Contains(e, "credit"):
		return ErrorQuota
	case strings.Contains(e, "rate limit"), strings.Contains(e, "429"):
		return ErrorRate
	case strings.Contains(e, "context length"), strings.Contains(e, "too long"):
		return ErrorContext
	case strings.Contains(e, "timeout"), strings.Contains(e, "temporarily"), strings.Contains(e, "unavailable"):
		return ErrorTransient
	default:
		return ErrorPermanent
	}
}
