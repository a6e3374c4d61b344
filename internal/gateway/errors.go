package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrRateLimited        = errors.New("rate limited")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrInsufficientMargin = errors.New("insufficient margin")
)

type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindRateLimit
	KindUnknownOrder
	KindInsufficientMargin
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindUnknownOrder:
		return "unknown_order"
	case KindInsufficientMargin:
		return "insufficient_margin"
	default:
		return "generic"
	}
}

// APIError is a raw failure reported by the exchange, either as an HTTP status
// or as an error payload inside a successful response.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	switch {
	case e.Status != 0 && e.Code != 0:
		return fmt.Sprintf("http %d: code %d: %s", e.Status, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	case e.Code != 0:
		return fmt.Sprintf("code %d: %s", e.Code, e.Message)
	default:
		return e.Message
	}
}

// Binance-style numeric codes. Other venues report the same conditions with
// these codes often enough that they are worth recognising here.
const (
	codeTooManyRequests    = -1003
	codeUnknownOrder       = -2011
	codeOrderDoesNotExist  = -2013
	codeMarginInsufficient = -2019
)

var (
	rateLimitHints = []string{"rate limit", "too many requests", "too many cumulative requests", "request weight", "overloaded"}
	unknownHints   = []string{
		"unknown order",
		"order does not exist",
		"never placed, already canceled, or filled",
		"order not found",
	}
	marginHints = []string{"insufficient margin", "margin is insufficient", "insufficient balance"}
)

// Classify maps any failure into the closed set of kinds the engine acts on.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindGeneric
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrUnknownOrder):
		return KindUnknownOrder
	case errors.Is(err, ErrInsufficientMargin):
		return KindInsufficientMargin
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindGeneric
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusTooManyRequests || apiErr.Status == 418 {
			return KindRateLimit
		}
		switch apiErr.Code {
		case codeTooManyRequests:
			return KindRateLimit
		case codeUnknownOrder, codeOrderDoesNotExist:
			return KindUnknownOrder
		case codeMarginInsufficient:
			return KindInsufficientMargin
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitHints):
		return KindRateLimit
	case containsAny(msg, unknownHints):
		return KindUnknownOrder
	case containsAny(msg, marginHints):
		return KindInsufficientMargin
	}
	return KindGeneric
}

func IsRateLimit(err error) bool {
	return Classify(err) == KindRateLimit
}

func IsUnknownOrder(err error) bool {
	return Classify(err) == KindUnknownOrder
}

func IsInsufficientMargin(err error) bool {
	return Classify(err) == KindInsufficientMargin
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
