// Package apperr is the unified error taxonomy for the runtime core, adapted
// from the service layer's infrastructure/errors.ServiceError shape: a code,
// a message, an HTTP status, and optional structured details.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeKernelDisabled Code = "KERNEL_DISABLED"
	CodePolicyDenied   Code = "POLICY_DENIED"
	CodeQueueFull      Code = "QUEUE_FULL"
	CodeNotFound       Code = "NOT_FOUND"
	CodeBadRequest     Code = "BAD_REQUEST"
	CodeInternal       Code = "INTERNAL"
	CodeEgressDenied   Code = "EGRESS_DENIED"
)

// Error is a structured error carrying an HTTP status and RFC-7807-style
// details, the same shape the admin HTTP surface serializes directly.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func new_(code Code, msg string, status int) *Error {
	return &Error{Code: code, Message: msg, HTTPStatus: status}
}

func KernelDisabled() *Error {
	return new_(CodeKernelDisabled, "kernel store is disabled", http.StatusNotImplemented)
}

func PolicyDenied(requireCapability string, explain map[string]any) *Error {
	e := new_(CodePolicyDenied, "policy denied", http.StatusForbidden)
	if requireCapability != "" {
		e.WithDetails("require_capability", requireCapability)
	}
	if explain != nil {
		e.WithDetails("explain", explain)
	}
	return e
}

func QueueFull(limit, queued int) *Error {
	return new_(CodeQueueFull, "action queue is full", http.StatusTooManyRequests).
		WithDetails("limit", limit).WithDetails("queued", queued)
}

func NotFound(what string) *Error {
	return new_(CodeNotFound, what+" not found", http.StatusNotFound)
}

func BadRequest(detail string) *Error {
	return new_(CodeBadRequest, detail, http.StatusBadRequest)
}

func Internal(err error) *Error {
	e := new_(CodeInternal, "internal error", http.StatusInternalServerError)
	if err != nil {
		e.Err = err
		e.WithDetails("detail", err.Error())
	}
	return e
}

func EgressDenied(reason, host string, port int, proto string) *Error {
	return new_(CodeEgressDenied, reason, http.StatusForbidden).
		WithDetails("reason", reason).
		WithDetails("dest_host", host).
		WithDetails("dest_port", port).
		WithDetails("protocol", proto)
}

// As extracts an *Error from err, the way callers recover HTTPStatus/Details
// to render the RFC-7807 body.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ProblemJSON returns the RFC-7807-ish payload HTTP handlers serialize.
func (e *Error) ProblemJSON() map[string]any {
	body := map[string]any{
		"type":   "about:blank",
		"title":  string(e.Code),
		"status": e.HTTPStatus,
	}
	if e.Message != "" {
		body["detail"] = e.Message
	}
	for k, v := range e.Details {
		body[k] = v
	}
	return body
}
