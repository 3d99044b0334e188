// Package resilience groups the fault tolerance building blocks used by the
// recovery engine.
//
// Subpackages:
//   - breaker: the per-service circuit breaker bank with count-based
//     opening and pure timeout reset
package resilience
