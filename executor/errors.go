package executor

import (
	"errors"
	"fmt"
)

var (
	ErrExecutorClosed = errors.New("executor closed")
	ErrInstanceFailed = errors.New("instance failed")
	ErrInstanceClosed = errors.New("instance closed")
	ErrPoolClosed     = errors.New("pool closed")
)

// LoadError reports bytecode that cannot be compiled or that lacks the
// exports every guest must provide.
type LoadError struct {
	Module string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load module %s: %v", e.Module, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// UnresolvedImportError reports an import no host module provides.
type UnresolvedImportError struct {
	Module    string
	Namespace string
	Name      string
	Reason    string
}

func (e *UnresolvedImportError) Error() string {
	return fmt.Sprintf("module %s: unresolved import %s.%s: %s", e.Module, e.Namespace, e.Name, e.Reason)
}

// InstantiationError reports a module that failed to start, for example
// because its start function trapped or its memory exceeds the limit.
type InstantiationError struct {
	Module string
	Err    error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("instantiate module %s: %v", e.Module, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// Trap ends an invocation that did not return normally. Fault is set when
// a capability call caused the trap.
type Trap struct {
	Module   string
	Instance string
	Export   string
	Timeout  bool
	Fault    error
	Err      error
}

func (e *Trap) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("module %s: %s timed out", e.Module, e.Export)
	case e.Fault != nil:
		return fmt.Sprintf("module %s: %s trapped: %v", e.Module, e.Export, e.Fault)
	default:
		return fmt.Sprintf("module %s: %s trapped: %v", e.Module, e.Export, e.Err)
	}
}

func (e *Trap) Unwrap() error {
	if e.Fault != nil {
		return e.Fault
	}
	return e.Err
}
