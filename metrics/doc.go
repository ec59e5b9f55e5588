// Package metrics exposes Prometheus metrics for sandbox lifecycle operations
// and commands.
//
// Instrument wraps any sandbox.Provider; the instances it returns count
// creations, failed lifecycle operations, and command outcomes and latency.
// Handler serves the private registry for scraping.
package metrics
