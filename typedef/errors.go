package typedef

import (
	"errors"
	"fmt"
)

// ErrorKind names a recoverable failure class surfaced to plugins or the UI.
type ErrorKind string

const (
	KindUnknownPlugin       ErrorKind = "UnknownPlugin"
	KindPermissionDenied    ErrorKind = "PermissionDenied"
	KindUnknownResource     ErrorKind = "UnknownResource"
	KindWrongResourceType   ErrorKind = "WrongResourceType"
	KindPathEscape          ErrorKind = "PathEscape"
	KindSizeLimitExceeded   ErrorKind = "SizeLimitExceeded"
	KindMalformedJSON       ErrorKind = "MalformedJson"
	KindResourceUnavailable ErrorKind = "ResourceUnavailable"
	KindInvalidArgument     ErrorKind = "InvalidArgument"
	KindDecodeError         ErrorKind = "DecodeError"
	KindTransportError      ErrorKind = "TransportError"
	KindSandboxLoadError    ErrorKind = "SandboxLoadError"
	KindSandboxRuntimeError ErrorKind = "SandboxRuntimeError"
)

// HostError is the only error shape that crosses from the host into plugin code.
type HostError struct {
	Kind     ErrorKind
	Op       string
	PluginID string
	Detail   string
	Err      error
}

func (e *HostError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HostError) Unwrap() error { return e.Err }

// Is matches sentinels by kind, so errors.Is(err, ErrPathEscape) works on any PathEscape failure.
func (e *HostError) Is(target error) bool {
	t, ok := target.(*HostError)
	if !ok {
		return false
	}
	return t.Op == "" && t.PluginID == "" && t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrUnknownPlugin       = &HostError{Kind: KindUnknownPlugin}
	ErrPermissionDenied    = &HostError{Kind: KindPermissionDenied}
	ErrUnknownResource     = &HostError{Kind: KindUnknownResource}
	ErrWrongResourceType   = &HostError{Kind: KindWrongResourceType}
	ErrPathEscape          = &HostError{Kind: KindPathEscape}
	ErrSizeLimitExceeded   = &HostError{Kind: KindSizeLimitExceeded}
	ErrMalformedJSON       = &HostError{Kind: KindMalformedJSON}
	ErrResourceUnavailable = &HostError{Kind: KindResourceUnavailable}
	ErrInvalidArgument     = &HostError{Kind: KindInvalidArgument}
	ErrDecode              = &HostError{Kind: KindDecodeError}
	ErrTransport           = &HostError{Kind: KindTransportError}
	ErrSandboxLoad         = &HostError{Kind: KindSandboxLoadError}
	ErrSandboxRuntime      = &HostError{Kind: KindSandboxRuntimeError}
)

// NewError builds a HostError; detail is formatted with args.
func NewError(kind ErrorKind, op, pluginID string, err error, detail string, args ...any) *HostError {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &HostError{Kind: kind, Op: op, PluginID: pluginID, Detail: detail, Err: err}
}

// KindOf returns the kind of the first HostError in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var he *HostError
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}
