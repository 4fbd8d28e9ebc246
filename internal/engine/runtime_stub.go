//go:build !llama

package engine

import "errors"

// errNotBuilt is returned by the stub runtime in builds without the "llama" tag.
var errNotBuilt = errors.New("llama support not built (missing 'llama' build tag)")

type stubRuntime struct{}

// NativeRuntime returns a runtime that refuses to load models. Default builds
// stay CGO-free; the engine reports itself unavailable.
func NativeRuntime() Runtime { return stubRuntime{} }

func (stubRuntime) Name() string    { return "none" }
func (stubRuntime) Available() bool { return false }

func (stubRuntime) Load(string, LoadOptions) (Model, error) { return nil, errNotBuilt }
