// Package ltm implements the long-term memory store: typed records over
// durable vector collections, semantic retrieval, access-count bookkeeping
// and cognitive asset extraction.
package ltm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Collection names partition the store by semantic role. One durable vector
// collection exists per value.
const (
	CollectionDialogue = "dialogue"
	CollectionThought  = "internal_thought"
	CollectionFact     = "facts"
	CollectionModality = "modalities"
	CollectionAsset    = "cognitive_assets"
)

// Collections lists every collection the store manages.
var Collections = []string{
	CollectionDialogue,
	CollectionThought,
	CollectionFact,
	CollectionModality,
	CollectionAsset,
}

// Provenance tags for records.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleExtracted = "extracted"
)

var (
	// ErrNotFound marks an absent id or concept. Callers that the contract
	// says tolerate races treat it as a no-op instead of surfacing it.
	ErrNotFound = errors.New("record not found")

	// ErrNoAsset is returned when extraction produced nothing usable.
	// It is an expected outcome, not a failure.
	ErrNoAsset = errors.New("no cognitive asset found")

	// ErrPersistence marks durable-storage I/O failures. Fatal for the
	// operation, never for the process.
	ErrPersistence = errors.New("persistence error")
)

// Record is a single memory entry.
type Record struct {
	ID          string    `json:"id"`
	Collection  string    `json:"collection"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"-"`
	Role        string    `json:"role"`
	AccessCount int       `json:"access_count"`
	Hash        string    `json:"hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// ScoredRecord pairs a record with its similarity to a query.
type ScoredRecord struct {
	Record Record  `json:"record"`
	Score  float32 `json:"score"`
}

// TextHash returns the SHA-256 hex digest used for write deduplication.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
