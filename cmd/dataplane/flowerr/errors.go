// Package flowerr defines the error taxonomy shared by the flow engine
// and the dispatch gateway.
package flowerr

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a malformed flow definition. Raised at executor
// construction, never during dispatch of a healthy worker.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flow validation failed: %s", e.Reason)
}

// NewValidation builds a ValidationError with a formatted reason
func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// CycleError is a validation failure carrying one concrete cycle path
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("flow contains a cycle: %s", strings.Join(e.Path, " -> "))
}

// NodeError wraps a failure inside a node's invoke. May be absorbed by an
// enclosing try_catch scope.
type NodeError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// WrapNode wraps err as a NodeError unless it already is one
func WrapNode(nodeID, nodeType string, err error) *NodeError {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne
	}
	return &NodeError{NodeID: nodeID, NodeType: nodeType, Err: err}
}

// UnknownNodeTypeError reports a registry miss. Always fatal for the flow.
type UnknownNodeTypeError struct {
	NodeID   string
	NodeType string
}

func (e *UnknownNodeTypeError) Error() string {
	return fmt.Sprintf("node %s: unknown node type %q", e.NodeID, e.NodeType)
}

// PermissionError reports an authorization failure on a table read or write
type PermissionError struct {
	Table  string
	Action string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s on table %s", e.Action, e.Table)
}

// DispatchError maps a request-level failure to an HTTP status
type DispatchError struct {
	Status  int
	Kind    string
	Message string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewDispatch builds a DispatchError
func NewDispatch(status int, kind, message string) *DispatchError {
	return &DispatchError{Status: status, Kind: kind, Message: message}
}

// IsValidation reports whether err is a validation or cycle failure
func IsValidation(err error) bool {
	var ve *ValidationError
	var ce *CycleError
	return errors.As(err, &ve) || errors.As(err, &ce)
}
