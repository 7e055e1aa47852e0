package license

import "errors"

// Error taxonomy for licensing failures. Chain steps translate every local
// failure into one of these; the orchestrator decides whether it is
// authoritative (expiry) or degradable (everything else).
var (
	// ErrParse marks a malformed license, cache or trial file. The source is
	// treated as absent and the chain continues.
	ErrParse = errors.New("malformed licensing record")

	// ErrSignatureMismatch marks a record whose signature or ciphertext
	// authentication does not verify.
	ErrSignatureMismatch = errors.New("license signature mismatch")

	// ErrHardwareMismatch marks a record bound to a different machine.
	ErrHardwareMismatch = errors.New("hardware id does not match this machine")

	// ErrNetwork marks an unreachable or timed-out validation service. Not
	// authoritative; it triggers the grace-period fallback.
	ErrNetwork = errors.New("validation service unreachable")

	// ErrSubscriptionExpired marks an authoritative expiry, either an
	// explicit server rejection or an expired cached valid-until. It clears
	// the cache.
	ErrSubscriptionExpired = errors.New("subscription expired")

	// ErrMigrationFailure marks a failed migration. The agent rolls back to
	// the latest snapshot and continues on the legacy path.
	ErrMigrationFailure = errors.New("migration failed")
)
