// Package relay carries the in-container runner protocol under one
// abstraction (Transport/Dialer) so the agent's own scope is Execute's
// orchestration — lazy session open, continuation feeding, cancellation,
// workdir diffing, match evaluation — not the wire format itself.
package relay
