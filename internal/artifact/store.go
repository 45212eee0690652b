package artifact

import "context"

// Store is the single source of truth for "has this fingerprint already
// been computed". Implementations must be safe for concurrent use; reads
// against committed entries must not block writers of unrelated entries.
type Store interface {
	// Put persists content and appends the provenance record for it.
	// It is idempotent: re-storing identical bytes returns the same hash
	// without duplicating storage, and an artifact keeps the provenance
	// record from its first commit. Every upstream hash in rec must
	// already be present in the store.
	Put(ctx context.Context, content []byte, meta Metadata, rec ProvenanceRecord) (string, error)

	// PutSeed persists a root input without provenance. Seed artifacts
	// are where provenance chains terminate.
	PutSeed(ctx context.Context, content []byte) (string, error)

	// Get returns the content for hash, or a *NotFoundError.
	Get(ctx context.Context, hash string) ([]byte, error)

	// Meta returns the metadata sidecar for hash, or a *NotFoundError.
	Meta(ctx context.Context, hash string) (Metadata, error)

	// Has reports whether a fingerprint has already produced an artifact,
	// returning its hash if so.
	Has(ctx context.Context, fingerprint string) (string, bool)

	// Provenance returns the provenance record for a non-seed artifact.
	Provenance(ctx context.Context, hash string) (ProvenanceRecord, bool)
}
