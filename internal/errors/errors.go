// Package errors defines the sentinel errors shared across BleepBackup and
// their mapping onto HTTP responses.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Call sites wrap them with fmt.Errorf("...: %w", err) and
// callers test with errors.Is.
var (
	// ErrNoContent is returned when a store call received an empty stream.
	ErrNoContent = stderrors.New("no content")
	// ErrMD5Mismatch is returned when a computed MD5 differs from the expected one.
	ErrMD5Mismatch = stderrors.New("md5 mismatch")
	// ErrNotFound is returned when a metadata record or stored file does not exist.
	ErrNotFound = stderrors.New("not found")
	// ErrIllegalTransition is returned when an entity is not in the state an
	// operation requires.
	ErrIllegalTransition = stderrors.New("illegal state transition")
	// ErrLockTimeout is returned when a distributed lock could not be acquired
	// within its timeout.
	ErrLockTimeout = stderrors.New("lock acquire timeout")
	// ErrAlreadyExists is returned when creating a file that already exists.
	ErrAlreadyExists = stderrors.New("already exists")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = stderrors.New("invalid argument")
	// ErrIncorrectNode is returned when a node is asked to change an entity
	// owned by another node.
	ErrIncorrectNode = stderrors.New("incorrect node")
)

// IncorrectNodeError names the node owning an entity that another node was
// asked to change. It wraps ErrIncorrectNode.
type IncorrectNodeError struct {
	Node  string
	Owner string
}

func (e *IncorrectNodeError) Error() string {
	return fmt.Sprintf("node %s received a request for an entity owned by %s", e.Node, e.Owner)
}

func (e *IncorrectNodeError) Unwrap() error { return ErrIncorrectNode }

// APIError is the JSON error body returned by the HTTP surface.
type APIError struct {
	// Code is a machine-readable error code (e.g., "NotFound").
	Code string `json:"code"`
	// Message is a human-readable description of the error.
	Message string `json:"message"`
	// HTTPStatus is the HTTP status code to respond with.
	HTTPStatus int `json:"-"`
	// Headers are added to the response, e.g. Location on a redirect.
	Headers http.Header `json:"-"`
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// GetStatus returns the HTTP status. It lets API frameworks that look for a
// status on returned errors respond with it.
func (e *APIError) GetStatus() int { return e.HTTPStatus }

// GetHeaders returns the extra response headers.
func (e *APIError) GetHeaders() http.Header { return e.Headers }

// Redirect returns a 307 APIError sending the client to location.
func Redirect(location string, err error) *APIError {
	return &APIError{
		Code:       "IncorrectNode",
		Message:    err.Error(),
		HTTPStatus: http.StatusTemporaryRedirect,
		Headers:    http.Header{"Location": []string{location}},
	}
}

var mappings = []struct {
	err    error
	code   string
	status int
}{
	{ErrNoContent, "NoContent", http.StatusBadRequest},
	{ErrMD5Mismatch, "InvalidMD5", http.StatusBadRequest},
	{ErrNotFound, "NotFound", http.StatusNotFound},
	{ErrIllegalTransition, "IllegalState", http.StatusConflict},
	{ErrLockTimeout, "LockTimeout", http.StatusServiceUnavailable},
	{ErrAlreadyExists, "AlreadyExists", http.StatusConflict},
	{ErrInvalidArgument, "InvalidArgument", http.StatusBadRequest},
	{ErrIncorrectNode, "IncorrectNode", http.StatusMisdirectedRequest},
}

// FromError converts any error into an APIError. Errors wrapping one of the
// sentinels get its code and status; everything else is an internal error.
// ErrIncorrectNode maps to 421 here; callers that know the owning node's URL
// answer with Redirect instead.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}
	for _, m := range mappings {
		if stderrors.Is(err, m.err) {
			return &APIError{Code: m.code, Message: err.Error(), HTTPStatus: m.status}
		}
	}
	return &APIError{Code: "InternalError", Message: err.Error(), HTTPStatus: http.StatusInternalServerError}
}
