package domain

import "fmt"

// Outcome tags the result of processing one inbound activity.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeIgnored
	OutcomeRejected
)

// RejectKind maps a rejection to its HTTP response class.
type RejectKind int

const (
	RejectStructural RejectKind = iota // 400
	RejectAuth                         // 401
	RejectSecurity                     // generic 400, details only logged
	RejectRate                         // 429
	RejectSize                         // 413
)

// Result carries the explicit applied/ignored/rejected outcome of the inbox
// pipeline. Callers branch on the tag instead of error types: permission
// denials and unknown references are Ignored (the peer still gets a 200),
// only structural, auth, security and rate failures are Rejected.
type Result struct {
	Outcome Outcome
	Kind    RejectKind
	Reason  string
}

func Applied() Result {
	return Result{Outcome: OutcomeApplied}
}

func Ignored(format string, args ...any) Result {
	return Result{Outcome: OutcomeIgnored, Reason: fmt.Sprintf(format, args...)}
}

func Rejected(kind RejectKind, format string, args ...any) Result {
	return Result{Outcome: OutcomeRejected, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Status returns the HTTP status code the peer should see. Ignored results
// deliberately read as success so probing peers learn nothing.
func (r Result) Status() int {
	switch r.Outcome {
	case OutcomeApplied, OutcomeIgnored:
		return 200
	default:
		switch r.Kind {
		case RejectAuth:
			return 401
		case RejectRate:
			return 429
		case RejectSize:
			return 413
		default:
			return 400
		}
	}
}
