package zele

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrNotConnected = errors.New("not connected")
	ErrAckTimeout   = errors.New("timed out waiting for acknowledgement")
	ErrCallBusy     = errors.New("a call is already in progress")
	ErrNoActiveCall = errors.New("no active call")

	// ErrCreatorRemoval rejects removing a group's creator before ownership is transferred.
	ErrCreatorRemoval = errors.New("group creator cannot be removed")
)

// APIError is a non-2xx response from the chat backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Is maps HTTP statuses onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrConflict:
		return e.Status == http.StatusConflict
	}
	return false
}

// AckError is the error payload of a socket action's paired error event.
type AckError struct {
	Event   string
	Message string
	Code    string
}

func (e *AckError) Error() string {
	return e.Event + ": " + e.Message
}

// Is treats duplicate/conflict codes from socket actions as ErrConflict.
func (e *AckError) Is(target error) bool {
	return target == ErrConflict && (e.Code == "conflict" || e.Code == "duplicate")
}

// ErrorClass is the user-facing category of an error.
type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	ClassTransport
	ClassNotFound
	ClassConflict
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	}
	return "fatal"
}

// Classify buckets an error into the taxonomy used for notifications.
func Classify(err error) ErrorClass {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrAckTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return ClassTransport
	}
	return ClassFatal
}
