// Package flowerr defines FlowGate's domain-level error kinds.
//
// Errors here are sentinel values checked with errors.Is, plus a small set of
// wrapping structs that carry request-specific context. Transport terminators
// and the Control API translate these into wire error_response frames or HTTP
// status codes respectively; nothing below ever describes a transport.
package flowerr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrWireFormat indicates a received frame is malformed. Fatal to the
	// session that produced it; never persisted.
	ErrWireFormat = errors.New("malformed wire frame")

	// ErrAuth indicates a token is missing, invalid, expired, or bound to a
	// different agent. Rejected before a session is opened.
	ErrAuth = errors.New("authentication failed")

	// ErrStaleSequence is a non-error at the protocol level: the agent
	// replayed a sequence_num it already sent. Surfaced only as a metric.
	ErrStaleSequence = errors.New("stale sequence number")

	// ErrRegistryConflict indicates a compare-and-swap failure on a
	// per-agent registry update.
	ErrRegistryConflict = errors.New("registry compare-and-swap conflict")

	// ErrOverloaded indicates a resource cap (sessions, queue depth, message
	// size) was hit.
	ErrOverloaded = errors.New("resource cap exceeded")

	// ErrDeploymentPrecondition indicates a rollout was attempted against an
	// empty target set, or promote/advance was called on a deployment whose
	// strategy doesn't support it.
	ErrDeploymentPrecondition = errors.New("deployment precondition failed")

	// ErrTicketExpired indicates a ConfigRequestTicket passed its deadline
	// without a matching inbound effective_config report.
	ErrTicketExpired = errors.New("config request ticket expired")

	// ErrNotFound is returned by lookups (agent, deployment, organization
	// scope) that find nothing. Control API callers must not be able to
	// distinguish "not found" from "exists in another organization".
	ErrNotFound = errors.New("not found")
)

// AuthError carries the specific reason a token failed verification.
// Kind is one of TokenInvalid, TokenExpired, TokenUnknownAgent,
// TokenOrgMismatch, InstanceUIDBinding (see constants below) so callers can choose a wire error_response type without
// string matching.
type AuthError struct {
	Kind string
	Err  error
}

const (
	TokenInvalid       = "TokenInvalid"
	TokenExpired       = "TokenExpired"
	TokenUnknownAgent  = "TokenUnknownAgent"
	TokenOrgMismatch   = "TokenOrgMismatch"
	InstanceUIDBinding = "InstanceUIDBinding"
)

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrAuth, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrAuth, e.Kind)
}

func (e *AuthError) Unwrap() error { return ErrAuth }

// NewAuthError builds an AuthError of the given kind.
func NewAuthError(kind string, cause error) *AuthError {
	return &AuthError{Kind: kind, Err: cause}
}

// OverloadedError carries the retry-after hint the spec requires on
// UNAVAILABLE wire responses and 503s.
type OverloadedError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("%s: %s (retry after %s)", ErrOverloaded, e.Resource, e.RetryAfter)
}

func (e *OverloadedError) Unwrap() error { return ErrOverloaded }

// NewOverloaded builds an OverloadedError for the given resource.
func NewOverloaded(resource string, retryAfter time.Duration) *OverloadedError {
	return &OverloadedError{Resource: resource, RetryAfter: retryAfter}
}

// RegistryError wraps a persistence-layer failure encountered while applying
// an inbound delta. It always carries enough for the caller to NACK via
// INTERNAL_ERROR with a retry-after hint while keeping the session open.
type RegistryError struct {
	AgentID    string
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s failed for agent %s: %v", e.Op, e.AgentID, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// NewRegistryError builds a RegistryError with the default 5s retry hint.
func NewRegistryError(agentID, op string, cause error) *RegistryError {
	return &RegistryError{AgentID: agentID, Op: op, Err: cause, RetryAfter: 5 * time.Second}
}

// DeploymentError wraps a precondition failure surfaced only to the Control
// API (never the wire).
type DeploymentError struct {
	DeploymentID string
	Reason       string
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment %s: %s: %s", e.DeploymentID, ErrDeploymentPrecondition, e.Reason)
}

func (e *DeploymentError) Unwrap() error { return ErrDeploymentPrecondition }

// NewDeploymentError builds a DeploymentError.
func NewDeploymentError(deploymentID, reason string) *DeploymentError {
	return &DeploymentError{DeploymentID: deploymentID, Reason: reason}
}
