// Package types defines the kernel agent's core data model: KernelId,
// CoreSet, KernelRecord, and the small value types (ImageLabels, MatchSpec,
// ExecResult) that flow between the lifecycle, relay, and RPC façade.
//
// These are plain structs, not schemaless maps: the registry is a
// map[KernelId]*KernelRecord with fixed fields, so invalid field access is
// a compile error rather than a runtime key-miss.
package types
