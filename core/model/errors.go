package model

import "errors"

var (
	// ErrInvalidRequest marks malformed input or a self-request. Not retried.
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrNotFound indicates an unknown participant/room pair or request.
	ErrNotFound = errors.New("not_found")
	// ErrPermissionDenied covers Never policies and denied, cancelled or superseded approvals.
	ErrPermissionDenied = errors.New("permission_denied")
	// ErrRequestExpired indicates the live approval window elapsed without a response.
	ErrRequestExpired = errors.New("request_expired")
	// ErrAuditWriteFailed is fatal for the call: nothing is returned without an audit record.
	ErrAuditWriteFailed = errors.New("audit_write_failed")
	// ErrEmbeddingUnavailable is a transient embedding provider failure.
	ErrEmbeddingUnavailable = errors.New("embedding_unavailable")
	// ErrIndexUnavailable is a transient similarity index failure.
	ErrIndexUnavailable = errors.New("index_unavailable")
	// ErrRetrievalFailed is returned once retrieval retries are exhausted.
	ErrRetrievalFailed = errors.New("retrieval_failed")
)

// Transient reports whether err is worth retrying at the retrieval step.
func Transient(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable) || errors.Is(err, ErrIndexUnavailable)
}
