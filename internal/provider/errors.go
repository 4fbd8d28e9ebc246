package provider

import (
	"errors"
	"fmt"
)

// notAvailableError signals a provider whose availability check failed.
type notAvailableError struct{ name string }

func (e notAvailableError) Error() string { return "provider not available: " + e.name }

// ErrNotAvailable returns an error for a provider that failed its availability check.
func ErrNotAvailable(name string) error { return notAvailableError{name: name} }

// IsNotAvailable reports whether err indicates an unavailable provider.
func IsNotAvailable(err error) bool {
	var e notAvailableError
	return errors.As(err, &e)
}

// unsupportedError signals an operation the provider does not implement.
type unsupportedError struct {
	provider string
	cap      Capability
}

func (e unsupportedError) Error() string {
	return fmt.Sprintf("provider %s does not support %s", e.provider, e.cap)
}

// ErrUnsupported returns an UnsupportedCapability error.
func ErrUnsupported(provider string, c Capability) error {
	return unsupportedError{provider: provider, cap: c}
}

// IsUnsupported reports whether err indicates an unsupported capability.
func IsUnsupported(err error) bool {
	var e unsupportedError
	return errors.As(err, &e)
}

type invalidArgumentError struct{ msg string }

func (e invalidArgumentError) Error() string { return "invalid argument: " + e.msg }

// ErrInvalidArgument returns an InvalidArgument error.
func ErrInvalidArgument(format string, args ...any) error {
	return invalidArgumentError{msg: fmt.Sprintf(format, args...)}
}

// IsInvalidArgument reports whether err indicates a bad caller argument.
func IsInvalidArgument(err error) bool {
	var e invalidArgumentError
	return errors.As(err, &e)
}

// modelNotFoundError is returned when a model file or name cannot be located.
type modelNotFoundError struct{ name string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.name }

func ErrModelNotFound(name string) error { return modelNotFoundError{name: name} }

// IsModelNotFound reports whether the error indicates a missing model.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// Stage names used by transport and native errors.
const (
	StageLoad     = "load"
	StageGenerate = "generate"
	StageStart    = "start"
	StageRequest  = "request"
)

// TransportError wraps a failed call to a server-backed provider.
type TransportError struct {
	Provider string
	Model    string
	Stage    string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport failure (model=%s stage=%s): %v", e.Provider, e.Model, e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrTransport wraps err with provider, model and stage.
func ErrTransport(provider, model, stage string, err error) error {
	return &TransportError{Provider: provider, Model: model, Stage: stage, Err: err}
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

// NativeError wraps a failure in the native inference library.
type NativeError struct {
	Model string
	Stage string
	Err   error
}

func (e *NativeError) Error() string {
	return fmt.Sprintf("native failure (model=%s stage=%s): %v", e.Model, e.Stage, e.Err)
}

func (e *NativeError) Unwrap() error { return e.Err }

// ErrNative wraps err with the model and stage (load or generate).
func ErrNative(model, stage string, err error) error {
	return &NativeError{Model: model, Stage: stage, Err: err}
}

// IsNative reports whether err is a NativeError.
func IsNative(err error) bool {
	var e *NativeError
	return errors.As(err, &e)
}

// ErrNoProvider is returned when no registered provider passes its availability check.
var ErrNoProvider = errors.New("no LLM provider available")
