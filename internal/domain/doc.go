// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (event.go, access.go, ports.go)
// with shared types and cross-cutting contracts. No implementation code - just
// contracts. Prevents circular imports by keeping interfaces on the consumer side.
package domain
