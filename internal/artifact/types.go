package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Metadata is the sidecar record stored next to each artifact's content.
type Metadata struct {
	Timestamp  time.Time `json:"timestamp"`
	ModelID    string    `json:"model_id,omitempty"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	ByteSize   int64     `json:"byte_size"`
}

// Artifact is an immutable, content-addressed computation result.
// Two artifacts with equal Hash are interchangeable.
type Artifact struct {
	Hash    string
	Content []byte
	Meta    Metadata
}

// ProvenanceRecord links an artifact to the fingerprint, stage, model and
// upstream artifacts that produced it. Exactly one record exists per
// non-seed artifact; seed artifacts have none.
type ProvenanceRecord struct {
	ArtifactHash   string    `json:"artifact_hash"`
	Fingerprint    string    `json:"fingerprint"`
	StageID        string    `json:"stage_id"`
	UpstreamHashes []string  `json:"upstream_hashes,omitempty"`
	ModelID        string    `json:"model_id,omitempty"`
	SubstitutedFor string    `json:"substituted_for,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// HashBytes returns the hex-encoded SHA-256 of b. This is the single
// content-addressing function for the whole engine.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
