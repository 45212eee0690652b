package artifact

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vk/refinery/internal/ctxlog"
)

// FSStore persists artifacts on the local filesystem.
//
// Layout under the store root:
//
//	objects/{hash}.bin    artifact content
//	objects/{hash}.json   metadata sidecar
//	provenance.log        append-only JSONL provenance chain
//
// All object writes go through a temp-file-then-rename sequence so that a
// crash mid-write never leaves a partially written artifact observable.
// The fingerprint index is rebuilt from the provenance log at open time.
type FSStore struct {
	root string

	mu           sync.RWMutex
	known        map[string]struct{}         // committed artifact hashes
	fingerprints map[string]string           // fingerprint -> hash
	provenance   map[string]ProvenanceRecord // hash -> record
}

// OpenFSStore opens (or initializes) a filesystem store rooted at root and
// replays the provenance log to rebuild the fingerprint index.
func OpenFSStore(ctx context.Context, root string) (*FSStore, error) {
	logger := ctxlog.FromContext(ctx)
	objDir := filepath.Join(root, "objects")
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return nil, &StorageError{Op: "init", Path: objDir, Err: err}
	}

	s := &FSStore{
		root:         root,
		known:        make(map[string]struct{}),
		fingerprints: make(map[string]string),
		provenance:   make(map[string]ProvenanceRecord),
	}

	entries, err := os.ReadDir(objDir)
	if err != nil {
		return nil, &StorageError{Op: "scan", Path: objDir, Err: err}
	}
	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), ".bin"); ok {
			s.known[name] = struct{}{}
		}
	}

	if err := s.replayLog(ctx); err != nil {
		return nil, err
	}
	logger.Debug("Artifact store opened.", "root", root, "artifacts", len(s.known), "fingerprints", len(s.fingerprints))
	return s, nil
}

// replayLog rebuilds the in-memory indexes from the provenance log. Records
// whose artifact content is missing (a crash between log append and a prior
// incomplete run) are skipped so the fingerprint is recomputed.
func (s *FSStore) replayLog(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	logPath := s.logPath()
	f, err := os.Open(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &StorageError{Op: "open", Path: logPath, Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec ProvenanceRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logger.Warn("Skipping malformed provenance record.", "error", err)
			continue
		}
		if _, ok := s.known[rec.ArtifactHash]; !ok {
			logger.Warn("Provenance record references missing artifact, skipping.", "hash", rec.ArtifactHash)
			continue
		}
		if _, exists := s.provenance[rec.ArtifactHash]; !exists {
			s.provenance[rec.ArtifactHash] = rec
		}
		if rec.Fingerprint != "" {
			if _, exists := s.fingerprints[rec.Fingerprint]; !exists {
				s.fingerprints[rec.Fingerprint] = rec.ArtifactHash
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return &StorageError{Op: "replay", Path: logPath, Err: err}
	}
	return nil
}

func (s *FSStore) logPath() string { return filepath.Join(s.root, "provenance.log") }
func (s *FSStore) binPath(h string) string { return filepath.Join(s.root, "objects", h+".bin") }
func (s *FSStore) metaPath(h string) string { return filepath.Join(s.root, "objects", h+".json") }

// writeAtomic writes data to path via a temp file and rename.
func (s *FSStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (s *FSStore) appendProvenance(rec ProvenanceRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "encode", Path: s.logPath(), Err: err}
	}
	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &StorageError{Op: "append", Path: s.logPath(), Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &StorageError{Op: "append", Path: s.logPath(), Err: err}
	}
	return f.Sync()
}

func (s *FSStore) commit(content []byte, meta Metadata) (string, error) {
	hash := HashBytes(content)

	s.mu.RLock()
	_, exists := s.known[hash]
	s.mu.RUnlock()
	if exists {
		return hash, nil
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", &StorageError{Op: "encode", Path: s.metaPath(hash), Err: err}
	}
	if err := s.writeAtomic(s.binPath(hash), content); err != nil {
		return "", err
	}
	if err := s.writeAtomic(s.metaPath(hash), metaBytes); err != nil {
		return "", err
	}
	return hash, nil
}

func (s *FSStore) Put(ctx context.Context, content []byte, meta Metadata, rec ProvenanceRecord) (string, error) {
	s.mu.RLock()
	for _, up := range rec.UpstreamHashes {
		if _, ok := s.known[up]; !ok {
			s.mu.RUnlock()
			return "", &StorageError{Op: "put", Path: up, Err: fmt.Errorf("upstream artifact missing: %s", up)}
		}
	}
	s.mu.RUnlock()

	meta.ByteSize = int64(len(content))
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}

	hash, err := s.commit(content, meta)
	if err != nil {
		return "", err
	}

	rec.ArtifactHash = hash
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.known[hash]
	_, recorded := s.provenance[hash]
	if !seen || !recorded {
		if err := s.appendProvenance(rec); err != nil {
			return "", err
		}
		s.provenance[hash] = rec
	}
	s.known[hash] = struct{}{}
	if rec.Fingerprint != "" {
		if _, ok := s.fingerprints[rec.Fingerprint]; !ok {
			s.fingerprints[rec.Fingerprint] = hash
		}
	}
	return hash, nil
}

func (s *FSStore) PutSeed(ctx context.Context, content []byte) (string, error) {
	hash, err := s.commit(content, Metadata{Timestamp: time.Now().UTC(), ByteSize: int64(len(content))})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.known[hash] = struct{}{}
	s.mu.Unlock()
	return hash, nil
}

func (s *FSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	_, ok := s.known[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Hash: hash}
	}
	content, err := os.ReadFile(s.binPath(hash))
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.binPath(hash), Err: err}
	}
	return content, nil
}

func (s *FSStore) Meta(ctx context.Context, hash string) (Metadata, error) {
	s.mu.RLock()
	_, ok := s.known[hash]
	s.mu.RUnlock()
	if !ok {
		return Metadata{}, &NotFoundError{Hash: hash}
	}
	raw, err := os.ReadFile(s.metaPath(hash))
	if err != nil {
		return Metadata{}, &StorageError{Op: "read", Path: s.metaPath(hash), Err: err}
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, &StorageError{Op: "decode", Path: s.metaPath(hash), Err: err}
	}
	return meta, nil
}

func (s *FSStore) Has(ctx context.Context, fingerprint string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.fingerprints[fingerprint]
	return hash, ok
}

func (s *FSStore) Provenance(ctx context.Context, hash string) (ProvenanceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.provenance[hash]
	return rec, ok
}
