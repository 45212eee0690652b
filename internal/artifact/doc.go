// Package artifact implements the content-addressable artifact store.
//
// Every computation result is persisted as an immutable artifact keyed by
// the SHA-256 of its content. A fingerprint index maps a stage's input
// fingerprint to the artifact it produced, which is what makes pipeline
// runs resumable: a stage whose fingerprint is already indexed is never
// dispatched again. Provenance records form an append-only log linking
// every non-seed artifact back through its upstream hashes to seed inputs.
package artifact
