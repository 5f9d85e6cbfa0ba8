package deribit

import (
	"errors"
	"strings"

	"trade-desk/internal/core"
)

const (
	apiCodeOrderNotFound      = 10004
	apiCodeNotEnoughFunds     = 10009
	apiCodeNotOpenOrder       = 11044
	apiCodeInvalidCredentials = 13004
	apiCodeUnauthorized       = 13009
	apiCodeTooManyRequests    = 10028
)

var apiErrorMessageKinds = map[string]error{
	"order_not_found":     core.ErrOrderNotFound,
	"not_enough_funds":    core.ErrInsufficientBalance,
	"invalid_token":       core.ErrNotAuthenticated,
	"unauthorized":        core.ErrNotAuthenticated,
	"invalid_credentials": core.ErrNotAuthenticated,
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 3)
	switch apiErr.Code {
	case apiCodeTooManyRequests:
		// Rate limiting means the request never reached the matching engine.
		kinds = appendErrorKind(kinds, core.ErrTransport)
		return kinds
	case apiCodeOrderNotFound, apiCodeNotOpenOrder:
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	case apiCodeNotEnoughFunds:
		kinds = appendErrorKind(kinds, core.ErrInsufficientBalance)
	case apiCodeInvalidCredentials, apiCodeUnauthorized:
		kinds = appendErrorKind(kinds, core.ErrNotAuthenticated)
	}
	if kind, ok := apiErrorMessageKinds[normalizeAPIErrorMsg(apiErr.Message)]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	return appendErrorKind(kinds, core.ErrExchangeRejected)
}

func isAuthCode(code int) bool {
	return code == apiCodeInvalidCredentials || code == apiCodeUnauthorized
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
