// Package license implements the local licensing agent for OrderPad.
//
// The agent decides, for a single installed copy of the application, whether
// it is licensed, on trial, or expired, and keeps that decision correct while
// the machine is offline for days at a time. Decisions come from a fixed
// priority chain (Flow): a standalone signed legacy license wins outright,
// then the encrypted hardware-bound cache with cloud-first revalidation, then
// grace-period arithmetic over the cached record, and finally the 30-day
// trial system.
//
// The Controller is the only type callers interact with. It memoizes the
// latest LicenseState under a short TTL, serializes refreshes so concurrent
// callers never overlap network calls, and exposes explicit activation
// (ValidateWithCloud) and cache clearing. The Migrator converts pre-cache
// installations to the unified encrypted cache exactly once, with snapshot
// backups and automatic rollback.
//
// Nothing in this package panics across its public surface; every operation
// returns a well-formed LicenseState or a typed error from the taxonomy in
// errors.go.
package license
