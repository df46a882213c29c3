// Package entitlement holds the customer entitlement model and the pure
// evaluator that decides whether a feature may be used.
//
// An entitlement Snapshot is the per-(customer, feature) view the usage
// path works from: feature type, optional limit and units, current period
// usage and flags. Evaluate and EvaluateDelta never touch I/O; callers
// fetch snapshots through the application service.
package entitlement
