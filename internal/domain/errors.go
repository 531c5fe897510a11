package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// APIError is a non-2xx answer from the exchange REST API.
type APIError struct {
	Status  int
	Verb    string
	Path    string
	Message string // error.message from the response body, if any
	Body    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Verb, e.Path, e.Status, msg)
}

// IsRetriable reports whether the exchange asked us to come back later.
func (e *APIError) IsRetriable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable
}

// IsAPIStatus reports whether err is an APIError carrying the given status.
func IsAPIStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == status
	}
	return false
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected is returned when the stream is used before Connect succeeded.
	ErrNotConnected = errors.New("stream not connected")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrInstrumentNotFound is returned when the mirror holds no instrument row for a symbol.
	ErrInstrumentNotFound = errors.New("instrument not found")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrAuthRequired is returned by write commands when no API key is configured.
	// No request is sent.
	ErrAuthRequired = errors.New("you must be authenticated to use this method")

	// ErrDuplicateMismatch means a duplicate clOrdID resolved to an order that differs
	// from the one we submitted. Never recovered.
	ErrDuplicateMismatch = errors.New("duplicate clOrdID recovered a different order")

	// ErrRetriesExhausted is returned when a request kept failing transiently.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrUnknownAction is returned for stream frames with an action we do not handle.
	ErrUnknownAction = errors.New("unknown table action")

	// ErrInvalidPrice is returned when an order is placed with a negative price.
	ErrInvalidPrice = errors.New("price must be positive")
)
