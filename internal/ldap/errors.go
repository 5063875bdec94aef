package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ResultKind is the stable outcome taxonomy surfaced to callers. Directory
// result codes and network failures are folded into these six kinds plus
// Success; callers never see raw LDAP codes.
type ResultKind string

const (
	KindSuccess         ResultKind = "Success"
	KindSchemaViolation ResultKind = "SchemaViolation"
	KindAccessDenied    ResultKind = "AccessDenied"
	KindNotFound        ResultKind = "NotFound"
	KindConflict        ResultKind = "Conflict"
	KindInvalidFilter   ResultKind = "InvalidFilter"
	KindUnavailable     ResultKind = "Unavailable"
)

// Violation is one attribute-level schema complaint.
type Violation struct {
	Attribute string `json:"attribute"`
	Reason    string `json:"reason"`
}

// OperationResult is the outcome of one CRUD call. The message is
// caller-safe: it never echoes bind credentials.
type OperationResult struct {
	Kind       ResultKind  `json:"kind"`
	DN         string      `json:"dn,omitempty"`
	Message    string      `json:"message,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

// Ok reports whether the operation succeeded.
func (r *OperationResult) Ok() bool { return r.Kind == KindSuccess }

// ResultError is an error carrying a taxonomy kind. Engines return it so the
// API layer can map outcomes without string matching.
type ResultError struct {
	Kind    ResultKind
	DN      string
	Message string
	cause   error
}

func (e *ResultError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *ResultError) Unwrap() error { return e.cause }

// NewResultError builds a ResultError.
func NewResultError(kind ResultKind, dn, message string, cause error) *ResultError {
	return &ResultError{Kind: kind, DN: dn, Message: message, cause: cause}
}

// KindOf extracts the taxonomy kind from an error. Unclassified errors are
// reported as Unavailable, the conservative outcome for unexpected failures.
func KindOf(err error) ResultKind {
	if err == nil {
		return KindSuccess
	}
	var re *ResultError
	if errors.As(err, &re) {
		return re.Kind
	}
	var le *ldap.Error
	if errors.As(err, &le) {
		return kindFromCode(le.ResultCode)
	}
	return KindUnavailable
}

// ResultFromError converts any engine error into an OperationResult.
func ResultFromError(dn string, err error) *OperationResult {
	if err == nil {
		return &OperationResult{Kind: KindSuccess, DN: dn}
	}
	res := &OperationResult{Kind: KindOf(err), DN: dn, Message: safeMessage(err)}
	var re *ResultError
	if errors.As(err, &re) && re.DN != "" {
		res.DN = re.DN
	}
	return res
}

// IsDirectoryError reports whether the error carries a directory result
// code, as opposed to a caller-input problem raised before any network call.
func IsDirectoryError(err error) bool {
	var le *ldap.Error
	return errors.As(err, &le)
}

// kindFromCode folds an LDAP result code into the taxonomy.
func kindFromCode(code uint16) ResultKind {
	switch code {
	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute:
		return KindNotFound

	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultNotAllowedOnNonLeaf:
		return KindConflict

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired:
		return KindAccessDenied

	case ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultUndefinedAttributeType,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultObjectClassModsProhibited:
		return KindSchemaViolation

	case ldap.LDAPResultFilterError:
		return KindInvalidFilter

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultConnectError,
		ldap.LDAPResultTimeout,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded,
		ldap.LDAPResultUnwillingToPerform,
		ldap.LDAPResultOperationsError:
		return KindUnavailable

	default:
		return KindUnavailable
	}
}

// isRetryable reports whether an error is a transient condition worth
// retrying. Only read paths consult this; mutations are never retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var le *ldap.Error
	if errors.As(err, &le) {
		switch le.ResultCode {
		case ldap.LDAPResultBusy,
			ldap.LDAPResultUnavailable,
			ldap.LDAPResultServerDown,
			ldap.LDAPResultConnectError,
			ldap.LDAPResultTimeout:
			return true
		default:
			return false
		}
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network",
		"timeout",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// isConnFatal reports whether an error means the connection that produced it
// can no longer be trusted. Expected no-match results are not fatal.
func isConnFatal(err error) bool {
	if err == nil {
		return false
	}
	var le *ldap.Error
	if errors.As(err, &le) {
		switch le.ResultCode {
		case ldap.LDAPResultServerDown,
			ldap.LDAPResultConnectError,
			ldap.LDAPResultProtocolError,
			ldap.LDAPResultEncodingError,
			ldap.LDAPResultDecodingError:
			return true
		default:
			return false
		}
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection closed",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// safeMessage renders an error for callers without leaking credentials.
func safeMessage(err error) string {
	if err == nil {
		return ""
	}
	var re *ResultError
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	var le *ldap.Error
	if errors.As(err, &le) {
		return fmt.Sprintf("directory returned %s (code %d)",
			ldap.LDAPResultCodeMap[le.ResultCode], le.ResultCode)
	}
	return err.Error()
}
