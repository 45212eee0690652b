package artifact

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeImpls returns a fresh instance of every Store implementation so the
// contract tests run against both.
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := OpenFSStore(context.Background(), t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"mem": NewMemStore(),
		"fs":  fs,
	}
}

func TestPut_Idempotent(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := []byte(`{"summary":"stable"}`)

			hash1, err := s.Put(ctx, content, Metadata{ModelID: "m1"}, ProvenanceRecord{Fingerprint: "fp-1", StageID: "outline"})
			require.NoError(t, err)

			hash2, err := s.Put(ctx, content, Metadata{ModelID: "m1"}, ProvenanceRecord{Fingerprint: "fp-1", StageID: "outline"})
			require.NoError(t, err)

			assert.Equal(t, hash1, hash2)
			assert.Equal(t, HashBytes(content), hash1)

			got, err := s.Get(ctx, hash1)
			require.NoError(t, err)
			assert.Equal(t, content, got)
		})
	}
}

func TestHas_FingerprintCache(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok := s.Has(ctx, "fp-missing")
			assert.False(t, ok)

			hash, err := s.Put(ctx, []byte("result"), Metadata{}, ProvenanceRecord{Fingerprint: "fp-a", StageID: "s"})
			require.NoError(t, err)

			got, ok := s.Has(ctx, "fp-a")
			require.True(t, ok)
			assert.Equal(t, hash, got)

			// Repeated lookups keep returning the same hash.
			got2, ok := s.Has(ctx, "fp-a")
			require.True(t, ok)
			assert.Equal(t, got, got2)
		})
	}
}

func TestGet_CallerMutationDoesNotCorruptArtifact(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := []byte(`{"summary":"immutable"}`)

			hash, err := s.Put(ctx, content, Metadata{}, ProvenanceRecord{Fingerprint: "fp-mut", StageID: "s"})
			require.NoError(t, err)

			first, err := s.Get(ctx, hash)
			require.NoError(t, err)
			for i := range first {
				first[i] = 'X'
			}

			second, err := s.Get(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, content, second, "stored artifact bytes must not be writable through Get results")
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "deadbeef")
			require.Error(t, err)
			var notFound *NotFoundError
			require.ErrorAs(t, err, &notFound)
			assert.Equal(t, "deadbeef", notFound.Hash)
		})
	}
}

func TestPut_RejectsMissingUpstream(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(context.Background(), []byte("x"), Metadata{}, ProvenanceRecord{
				Fingerprint:    "fp-x",
				StageID:        "s",
				UpstreamHashes: []string{"no-such-artifact"},
			})
			require.Error(t, err)
			var storageErr *StorageError
			assert.ErrorAs(t, err, &storageErr)
		})
	}
}

func TestProvenance_ChainTracesToSeed(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			seedHash, err := s.PutSeed(ctx, []byte("raw source document"))
			require.NoError(t, err)

			// Seeds carry no provenance record.
			_, ok := s.Provenance(ctx, seedHash)
			assert.False(t, ok)

			midHash, err := s.Put(ctx, []byte("stage one output"), Metadata{ModelID: "m1"}, ProvenanceRecord{
				Fingerprint:    "fp-mid",
				StageID:        "outline",
				UpstreamHashes: []string{seedHash},
				ModelID:        "m1",
			})
			require.NoError(t, err)

			topHash, err := s.Put(ctx, []byte("stage two output"), Metadata{ModelID: "m2"}, ProvenanceRecord{
				Fingerprint:    "fp-top",
				StageID:        "synthesis",
				UpstreamHashes: []string{midHash},
				ModelID:        "m2",
			})
			require.NoError(t, err)

			// Walk the chain back to the seed.
			rec, ok := s.Provenance(ctx, topHash)
			require.True(t, ok)
			require.Len(t, rec.UpstreamHashes, 1)
			rec, ok = s.Provenance(ctx, rec.UpstreamHashes[0])
			require.True(t, ok)
			assert.Equal(t, []string{seedHash}, rec.UpstreamHashes)
		})
	}
}

func TestStore_ConcurrentPuts(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const goroutines = 50
			var wg sync.WaitGroup
			wg.Add(goroutines)

			for i := 0; i < goroutines; i++ {
				go func(i int) {
					defer wg.Done()
					content := []byte(fmt.Sprintf("artifact-%d", i%10))
					_, err := s.Put(ctx, content, Metadata{}, ProvenanceRecord{
						Fingerprint: fmt.Sprintf("fp-%d", i%10),
						StageID:     "stage",
					})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			for i := 0; i < 10; i++ {
				hash, ok := s.Has(ctx, fmt.Sprintf("fp-%d", i))
				require.True(t, ok)
				content, err := s.Get(ctx, hash)
				require.NoError(t, err)
				assert.Equal(t, []byte(fmt.Sprintf("artifact-%d", i)), content)
			}
		})
	}
}

func TestFSStore_ReopenRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	s1, err := OpenFSStore(ctx, root)
	require.NoError(t, err)
	hash, err := s1.Put(ctx, []byte("survives restart"), Metadata{ModelID: "m1"}, ProvenanceRecord{
		Fingerprint: "fp-persist",
		StageID:     "outline",
		ModelID:     "m1",
	})
	require.NoError(t, err)

	// Simulate a crash-restart by opening a second store over the same root.
	s2, err := OpenFSStore(ctx, root)
	require.NoError(t, err)

	got, ok := s2.Has(ctx, "fp-persist")
	require.True(t, ok)
	assert.Equal(t, hash, got)

	content, err := s2.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives restart"), content)

	rec, ok := s2.Provenance(ctx, hash)
	require.True(t, ok)
	assert.Equal(t, "outline", rec.StageID)
	assert.Equal(t, "m1", rec.ModelID)
}
