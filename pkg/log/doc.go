// Package log wraps zerolog with novapm's conventions: a package-level
// Logger initialized once via Init, and WithProcess/WithAgent/
// WithDeployment helpers for attaching the right identifier fields
// without repeating them at every call site.
package log
