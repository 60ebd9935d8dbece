package pkgcache

import "github.com/meigma/pkgcache/registry"

// --- Re-exports from registry ---

// Package is a registered package.
type Package = registry.Package

// PackageFile is one file inside a package.
type PackageFile = registry.PackageFile

// State is the indexing state of a package.
type State = registry.State

// Registry stores packages and their files.
type Registry = registry.Registry

// Package processing states.
const (
	StateNew          = registry.StateNew
	StateInProcess    = registry.StateInProcess
	StateSubInProcess = registry.StateSubInProcess
	StateDone         = registry.StateDone
)
