package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

var (
	// ErrMissingCredentials means the API key or secret is absent.
	ErrMissingCredentials = fmt.Errorf("exchange: missing api credentials: %w", domain.ErrInvalidConfig)
	// ErrTradingDisabled means the safety config forbids trading.
	ErrTradingDisabled = fmt.Errorf("exchange: trading disabled by safety config: %w", domain.ErrInvalidConfig)
)

const maxSafeMessage = 160

// SafeError is the only error shape the adapter hands to callers. Message is
// taken from the decoded provider error field and scrubbed; the raw response
// body and request URL never appear in it.
type SafeError struct {
	Op      string
	Status  int
	Code    int
	Message string
	kind    error
}

func (e *SafeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange: %s: %s (code %d)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Op, e.Message)
}

func (e *SafeError) Unwrap() error {
	return e.kind
}

var signaturePattern = regexp.MustCompile(`(?i)(signature|x-mbx-apikey|api[_-]?key|secret)\s*[:=]\s*[A-Za-z0-9+/_-]+`)

// scrubber removes credentials from free text before it is surfaced.
type scrubber struct {
	secrets []string
}

func (s scrubber) scrub(msg string) string {
	for _, secret := range s.secrets {
		if secret != "" {
			msg = strings.ReplaceAll(msg, secret, "***")
		}
	}
	msg = signaturePattern.ReplaceAllString(msg, "$1=***")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxSafeMessage {
		cut := maxSafeMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

// statusError maps a non-2xx response to a SafeError using only the decoded
// code and message.
func (s scrubber) statusError(op string, status, code int, msg string) *SafeError {
	e := &SafeError{Op: op, Status: status, Code: code, Message: s.scrub(msg)}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.kind = domain.ErrUnauthorized
	case http.StatusTooManyRequests, 418:
		e.kind = domain.ErrRateLimited
	case http.StatusNotFound:
		e.kind = domain.ErrNotFound
	default:
		e.kind = domain.ErrInvalidOrder
	}
	return e
}

// transportError reduces a client-side failure to a generic message. The
// underlying error text is dropped because it embeds the signed URL.
func (s scrubber) transportError(op string, err error) *SafeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &SafeError{Op: op, Message: "request timed out", kind: context.DeadlineExceeded}
	case errors.Is(err, context.Canceled):
		return &SafeError{Op: op, Message: "request cancelled", kind: context.Canceled}
	default:
		return &SafeError{Op: op, Message: "network error"}
	}
}

// SafeMessage returns the message to surface for err. Errors that are not
// SafeError or ValidationError collapse to a generic string.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *SafeError
	if errors.As(err, &se) {
		return se.Error()
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	if errors.Is(err, domain.ErrNotInitialized) {
		return domain.ErrNotInitialized.Error()
	}
	// Configuration errors are built locally and carry no provider text.
	if errors.Is(err, domain.ErrInvalidConfig) {
		return err.Error()
	}
	return "exchange request failed"
}
