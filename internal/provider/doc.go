// Package provider defines the contract shared by every inference backend and
// the pieces that sit in front of them.
//
// A Provider turns a prompt into generated text. Backends advertise optional
// features through a fixed Capabilities set chosen at construction; callers
// check it before using optional operations. The Selector owns the
// process-wide active provider and routes calls to it. The Tracker keeps
// per-request cancellation state shared by all backends.
//
// Errors are typed: use the IsXxx predicates (IsNotAvailable,
// IsUnsupported, IsTransport, ...) rather than string matching.
package provider
