package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
)

// ErrorKind classifies a send failure for retry decisions
type ErrorKind string

const (
	// KindTransient failures are retried with backoff
	KindTransient ErrorKind = "transient"
	// KindPermanent failures are rejections of this message; never retried
	KindPermanent ErrorKind = "permanent"
	// KindConfig failures are bad credentials or setup; not retried
	KindConfig ErrorKind = "config"
)

// Error is a classified provider failure
type Error struct {
	Kind     ErrorKind
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Provider, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrCircuitOpen is returned without contacting the provider while its
// breaker is open or its half-open trial slot is taken
var ErrCircuitOpen = errors.New("circuit breaker open")

// KindOf returns the classification of err. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// IsPermanent reports whether err is a permanent rejection
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// IsTransient reports whether err should be retried
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// CodeOf returns the provider code carried by err, if any
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func transientErr(provider string, err error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Message: err.Error(), Err: err}
}

// classifyHTTP maps an HTTP API status to a failure kind
func classifyHTTP(provider string, status int, body string) *Error {
	e := &Error{Provider: provider, Code: strconv.Itoa(status), Message: body}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindConfig
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindPermanent
	}
	return e
}

// classifySMTP maps an SMTP reply code to a failure kind: 4xx transient, 5xx permanent
func classifySMTP(provider string, code int, message string) *Error {
	e := &Error{Provider: provider, Code: strconv.Itoa(code), Message: message}
	switch {
	case code == 530 || code == 535 || code == 534:
		e.Kind = KindConfig
	case code >= 500:
		e.Kind = KindPermanent
	default:
		e.Kind = KindTransient
	}
	return e
}

// classifyNet treats network and timeout errors as transient
func classifyNet(provider string, err error) *Error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTransient, Provider: provider, Code: "timeout", Message: err.Error(), Err: err}
	}
	return transientErr(provider, err)
}
