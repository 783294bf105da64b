package scoring

import "errors"

var (
	// ErrInvalidIdentity is returned when zero or two identifiers are supplied.
	// Nothing is written.
	ErrInvalidIdentity = errors.New("invalid identity: exactly one of anon_id and user_id is required")

	// ErrConcurrentUpdate is returned by a ledger when a version check fails.
	// The aggregator and merger retry it a bounded number of times.
	ErrConcurrentUpdate = errors.New("concurrent update conflict")

	// ErrPersistenceUnavailable wraps ledger failures other than conflicts.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrNoChange is returned by a Mutator to abort an update without writing.
	ErrNoChange = errors.New("no change")

	// ErrMissingClaimRef is returned by operations that key on a claim.
	ErrMissingClaimRef = errors.New("claim reference is required")

	// ErrSameIdentity is returned when a merge names the same record twice.
	ErrSameIdentity = errors.New("merge source and target are the same identity")
)
