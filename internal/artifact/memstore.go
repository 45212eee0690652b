package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an ephemeral, thread-safe Store kept entirely in memory.
// It uses sync.Map per concern: the key space stabilizes quickly while the
// executor reads committed entries far more often than it writes new ones.
type MemStore struct {
	objects      sync.Map // hash -> []byte
	metas        sync.Map // hash -> Metadata
	fingerprints sync.Map // fingerprint -> hash
	provenance   sync.Map // hash -> ProvenanceRecord
}

// NewMemStore creates a new, empty in-memory artifact store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Put(ctx context.Context, content []byte, meta Metadata, rec ProvenanceRecord) (string, error) {
	hash := HashBytes(content)
	for _, up := range rec.UpstreamHashes {
		if _, ok := s.objects.Load(up); !ok {
			return "", &StorageError{Op: "put", Path: hash, Err: fmt.Errorf("upstream artifact missing: %s", up)}
		}
	}

	meta.ByteSize = int64(len(content))
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
	rec.ArtifactHash = hash
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	if _, loaded := s.objects.LoadOrStore(hash, append([]byte(nil), content...)); !loaded {
		s.metas.Store(hash, meta)
		// First commit wins: one provenance record per artifact.
		s.provenance.LoadOrStore(hash, rec)
	}
	if rec.Fingerprint != "" {
		s.fingerprints.LoadOrStore(rec.Fingerprint, hash)
	}
	return hash, nil
}

func (s *MemStore) PutSeed(ctx context.Context, content []byte) (string, error) {
	hash := HashBytes(content)
	if _, loaded := s.objects.LoadOrStore(hash, append([]byte(nil), content...)); !loaded {
		s.metas.Store(hash, Metadata{Timestamp: time.Now().UTC(), ByteSize: int64(len(content))})
	}
	return hash, nil
}

func (s *MemStore) Get(ctx context.Context, hash string) ([]byte, error) {
	content, ok := s.objects.Load(hash)
	if !ok {
		return nil, &NotFoundError{Hash: hash}
	}
	// Callers own the returned slice; handing out the stored one would
	// let them mutate a committed artifact.
	return append([]byte(nil), content.([]byte)...), nil
}

func (s *MemStore) Meta(ctx context.Context, hash string) (Metadata, error) {
	meta, ok := s.metas.Load(hash)
	if !ok {
		return Metadata{}, &NotFoundError{Hash: hash}
	}
	return meta.(Metadata), nil
}

func (s *MemStore) Has(ctx context.Context, fingerprint string) (string, bool) {
	hash, ok := s.fingerprints.Load(fingerprint)
	if !ok {
		return "", false
	}
	return hash.(string), true
}

func (s *MemStore) Provenance(ctx context.Context, hash string) (ProvenanceRecord, bool) {
	rec, ok := s.provenance.Load(hash)
	if !ok {
		return ProvenanceRecord{}, false
	}
	return rec.(ProvenanceRecord), true
}
