package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/twopence/twopence/registry/client/auth"
)

// ErrNoErrorsInBody is returned when an HTTP response body parses to an empty
// Errors slice.
var ErrNoErrorsInBody = errors.New("no error details found in HTTP response body")

// Error codes defined by the distribution API that the client produces
// itself.
const (
	ErrorCodeUnknown         = "UNKNOWN"
	ErrorCodeUnauthorized    = "UNAUTHORIZED"
	ErrorCodeDenied          = "DENIED"
	ErrorCodeTooManyRequests = "TOOMANYREQUESTS"
	ErrorCodeBlobUnknown     = "BLOB_UNKNOWN"
	ErrorCodeManifestUnknown = "MANIFEST_UNKNOWN"
)

var defaultMessages = map[string]string{
	ErrorCodeUnknown:         "unknown error",
	ErrorCodeUnauthorized:    "authentication required",
	ErrorCodeDenied:          "requested access to the resource is denied",
	ErrorCodeTooManyRequests: "too many requests",
	ErrorCodeBlobUnknown:     "blob unknown to registry",
	ErrorCodeManifestUnknown: "manifest unknown",
}

// Error is a single error reported by a registry in a response body.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func (e Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = defaultMessages[e.Code]
	}
	return fmt.Sprintf("%s: %s", strings.ToLower(strings.ReplaceAll(e.Code, "_", " ")), msg)
}

// Errors is the list of errors of a registry error response.
type Errors []error

func (errs Errors) Error() string {
	switch len(errs) {
	case 0:
		return "<nil>"
	case 1:
		return errs[0].Error()
	default:
		msg := "errors:\n"
		for _, err := range errs {
			msg += err.Error() + "\n"
		}
		return msg
	}
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (errs Errors) Unwrap() []error {
	return errs
}

// Len returns the current number of errors.
func (errs Errors) Len() int {
	return len(errs)
}

// UnmarshalJSON decodes the {"errors": [...]} envelope.
func (errs *Errors) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Errors []Error `json:"errors,omitempty"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	var newErrs Errors
	for _, e := range envelope.Errors {
		newErrs = append(newErrs, e)
	}
	*errs = newErrs
	return nil
}

// UnexpectedHTTPStatusError is returned when an unexpected HTTP status is
// returned when making a registry api call.
type UnexpectedHTTPStatusError struct {
	Status     string
	StatusCode int
}

func (e *UnexpectedHTTPStatusError) Error() string {
	return fmt.Sprintf("received unexpected HTTP status: %s", e.Status)
}

// UnexpectedHTTPResponseError is returned when an expected HTTP status code
// is returned, but the content was unexpected and failed to be parsed.
type UnexpectedHTTPResponseError struct {
	ParseErr   error
	StatusCode int
	Response   []byte
}

func (e *UnexpectedHTTPResponseError) Error() string {
	return fmt.Sprintf("error parsing HTTP %d response body: %s: %q", e.StatusCode, e.ParseErr.Error(), string(e.Response))
}

func parseHTTPErrorResponse(resp *http.Response) error {
	var errors Errors
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	statusCode := resp.StatusCode

	// A HEAD request for example validly does not contain any body, while
	// still returning a JSON content-type.
	if len(body) == 0 {
		return makeError(statusCode, "")
	}

	ctHeader := resp.Header.Get("Content-Type")
	if ctHeader == "" {
		return makeError(statusCode, string(body))
	}

	contentType, _, err := mime.ParseMediaType(ctHeader)
	if err != nil {
		return fmt.Errorf("failed parsing content-type: %w", err)
	}

	if contentType != "application/json" && contentType != "application/vnd.api+json" {
		return makeError(statusCode, string(body))
	}

	// For backward compatibility, handle irregularly formatted
	// messages that contain a "details" field.
	var detailsErr struct {
		Details string `json:"details"`
	}
	err = json.Unmarshal(body, &detailsErr)
	if err == nil && detailsErr.Details != "" {
		return makeError(statusCode, detailsErr.Details)
	}

	if err := json.Unmarshal(body, &errors); err != nil {
		return &UnexpectedHTTPResponseError{
			ParseErr:   err,
			StatusCode: statusCode,
			Response:   body,
		}
	}

	if len(errors) == 0 {
		// If there was no error specified in the body, return
		// UnexpectedHTTPResponseError.
		return &UnexpectedHTTPResponseError{
			ParseErr:   ErrNoErrorsInBody,
			StatusCode: statusCode,
			Response:   body,
		}
	}

	return errors
}

func makeError(statusCode int, message string) error {
	switch statusCode {
	case http.StatusUnauthorized:
		return Error{Code: ErrorCodeUnauthorized, Message: message}
	case http.StatusForbidden:
		return Error{Code: ErrorCodeDenied, Message: message}
	case http.StatusTooManyRequests:
		return Error{Code: ErrorCodeTooManyRequests, Message: message}
	default:
		return Error{Code: ErrorCodeUnknown, Message: message}
	}
}

func makeErrorList(err error) []error {
	if errL, ok := err.(Errors); ok {
		return []error(errL)
	}
	return []error{err}
}

func mergeErrors(err1, err2 error) error {
	return Errors(append(makeErrorList(err1), makeErrorList(err2)...))
}

// HandleHTTPResponseError returns error parsed from HTTP response, if any.
// It returns nil if no error occurred (HTTP status 200-399), or an error
// for unsuccessful HTTP response codes (in the range 400 - 499 inclusive).
// If possible, it returns a typed error, but an UnexpectedHTTPStatusError
// is returned for response code outside the expected range (HTTP status < 200
// and > 500).
func HandleHTTPResponseError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 399 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// Check for OAuth errors within the `WWW-Authenticate` header first
		// See https://tools.ietf.org/html/rfc6750#section-3
		for _, c := range auth.ResponseChallenges(resp) {
			if !c.IsBearer() {
				continue
			}
			var err Error
			// codes defined at https://tools.ietf.org/html/rfc6750#section-3.1
			switch c.Parameters["error"] {
			case "invalid_token":
				err.Code = ErrorCodeUnauthorized
			case "insufficient_scope":
				err.Code = ErrorCodeDenied
			default:
				continue
			}
			err.Message = c.Parameters["error_description"]
			return mergeErrors(err, parseHTTPErrorResponse(resp))
		}
		err := parseHTTPErrorResponse(resp)
		if uErr, ok := err.(*UnexpectedHTTPResponseError); ok && resp.StatusCode == http.StatusUnauthorized {
			return Error{Code: ErrorCodeUnauthorized, Detail: string(uErr.Response)}
		}
		return err
	}
	return &UnexpectedHTTPStatusError{Status: resp.Status, StatusCode: resp.StatusCode}
}

// IsNotFound reports whether err is a registry "unknown" error or a 404.
func IsNotFound(err error) bool {
	var errs Errors
	if !errors.As(err, &errs) {
		errs = Errors{err}
	}
	for _, e := range errs {
		var regErr Error
		if errors.As(e, &regErr) && (regErr.Code == ErrorCodeBlobUnknown || regErr.Code == ErrorCodeManifestUnknown) {
			return true
		}
		var statusErr *UnexpectedHTTPStatusError
		if errors.As(e, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return true
		}
	}
	return false
}
