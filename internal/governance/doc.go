// Package governance holds the runtime safety controls placed in front of the
// remote policy source. The circuit breaker stops calls after repeated
// failures. The retry policy retries only transient failures within an
// overall wall-clock budget, and a token bucket limits outbound call rate.
//
// Each control is safe for concurrent use and is meant to be shared
// process-wide for a given external collaborator.
package governance
