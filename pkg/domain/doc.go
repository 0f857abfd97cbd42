// Package domain defines the core types of the policy resolver: the validated
// PolicyData aggregate, the raw rows reported by the remote policy source, the
// degradation levels attached to every resolution, and the error taxonomy used
// to decide whether a source failure may be retried.
//
// This package has no dependencies outside the Go standard library. The
// dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
