package tls

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TLSErrorType represents different categories of TLS errors
type TLSErrorType string

const (
	// Configuration errors
	ErrorTypeConfigValidation TLSErrorType = "config_validation"
	ErrorTypeConfigMissing    TLSErrorType = "config_missing"

	// Certificate errors
	ErrorTypeCertificateParsing TLSErrorType = "certificate_parsing"
	ErrorTypeKeyMismatch        TLSErrorType = "key_mismatch"
	ErrorTypeCertificateIssue   TLSErrorType = "certificate_issue"

	// TLS handshake errors
	ErrorTypeHandshakeFailure TLSErrorType = "handshake_failure"
	ErrorTypeHandshakeTimeout TLSErrorType = "handshake_timeout"
	ErrorTypeUntrustedPeer    TLSErrorType = "untrusted_peer"

	// Server operation errors
	ErrorTypeListenerCreate   TLSErrorType = "listener_create"
	ErrorTypeConnectionHandle TLSErrorType = "connection_handle"
)

// Sentinels matched by errors.Is against a *TLSError of the corresponding type.
var (
	ErrCertParse        = errors.New("certificate parse error")
	ErrKeyMismatch      = errors.New("private key does not match certificate")
	ErrUntrustedPeer    = errors.New("untrusted peer")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrBind             = errors.New("bind failed")
)

// TLSError represents a structured TLS error with context
type TLSError struct {
	Type    TLSErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *TLSError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", string(e.Type)), e.Message}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *TLSError) Unwrap() error {
	return e.Cause
}

// Is maps error types onto the package sentinels.
func (e *TLSError) Is(target error) bool {
	switch e.Type {
	case ErrorTypeCertificateParsing:
		return target == ErrCertParse
	case ErrorTypeKeyMismatch:
		return target == ErrKeyMismatch
	case ErrorTypeUntrustedPeer, ErrorTypeHandshakeFailure:
		return target == ErrUntrustedPeer
	case ErrorTypeHandshakeTimeout:
		return target == ErrHandshakeTimeout
	case ErrorTypeListenerCreate:
		return target == ErrBind
	}
	return false
}

// WithContext adds context information to the error
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewTLSError creates a new TLS error with the specified type and message
func NewTLSError(errorType TLSErrorType, message string) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTLSErrorWithCause creates a new TLS error with an underlying cause
func NewTLSErrorWithCause(errorType TLSErrorType, message string, cause error) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Configuration error constructors
func NewConfigMissingError(field string) *TLSError {
	return NewTLSError(ErrorTypeConfigMissing, fmt.Sprintf("required field '%s' is missing", field)).
		WithContext("field", field)
}

// Certificate error constructors
func NewCertificateParseError(what string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateParsing, fmt.Sprintf("failed to parse %s", what), cause).
		WithContext("input", what)
}

func NewKeyMismatchError() *TLSError {
	return NewTLSError(ErrorTypeKeyMismatch, "private key does not match certificate public key")
}

func NewCertificateIssueError(subject string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateIssue, "failed to issue certificate", cause).
		WithContext("subject", subject)
}

// Handshake error constructors
func NewUntrustedPeerError(cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeUntrustedPeer, "peer failed mutual TLS authentication", cause)
}

func NewHandshakeTimeoutError(cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHandshakeTimeout, "TLS handshake timed out", cause)
}

// Server operation error constructors
func NewListenerCreateError(address string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeListenerCreate, fmt.Sprintf("failed to listen on %s", address), cause).
		WithContext("address", address)
}

func NewConnectionHandleError(remoteAddr string, reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeConnectionHandle, fmt.Sprintf("failed to handle connection from %s: %s", remoteAddr, reason), cause).
		WithContext("remote_addr", remoteAddr)
}

// IsCertificateError reports certificate material problems (parse or mismatch).
func IsCertificateError(err error) bool {
	return errors.Is(err, ErrCertParse) || errors.Is(err, ErrKeyMismatch)
}
