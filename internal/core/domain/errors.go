package domain

import "errors"

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates a collaborator rejected our credentials
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidProvider indicates an unknown AI provider was specified
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrServiceUnavailable indicates an upstream service could not be reached
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrNotConfigured indicates a required collaborator is missing
	ErrNotConfigured = errors.New("not configured")

	// ErrSourceMissing indicates the uploaded file is gone or unreadable
	ErrSourceMissing = errors.New("source missing or unreadable")

	// ErrEmptyDocument indicates nothing could be extracted or chunked
	ErrEmptyDocument = errors.New("document has no extractable text")

	// ErrMalformedPayload indicates the queue message does not match the payload schema
	ErrMalformedPayload = errors.New("malformed job payload")

	// ErrCollectionNotFound indicates the vector collection does not exist yet
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDimensionMismatch indicates vectors do not match the collection dimension
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrClaimLost indicates a settle call came from a claim that is no longer current
	ErrClaimLost = errors.New("claim lost")

	// ErrRetrievalFailed is the single error surfaced by the query path
	ErrRetrievalFailed = errors.New("retrieval/generation failed")
)
