// Package faq answers questions from a per-domain knowledge base using
// nearest-neighbor search over question embeddings.
package faq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/vectorindex"
)

var (
	// ErrKnowledgeBaseMissing means the knowledge source of a domain does not exist.
	ErrKnowledgeBaseMissing = errors.New("knowledge base missing")

	// ErrIndexUnavailable means no index can serve lookups: no domain is
	// initialized or the domain has no entries.
	ErrIndexUnavailable = errors.New("retrieval index unavailable")
)

// RepeatAnswer is returned when the nearest neighbor has no backing entry.
const RepeatAnswer = "Can you repeat it?"

// Config holds retrieval settings.
type Config struct {
	// Directory holding <domain>/<Domain>-knowledge.csv sources
	KnowledgeDir string

	// Distances below this return the stored answer
	AcceptThreshold float32

	// Misses farther than this are flagged for learning
	LearnThreshold float32

	// Neighbors fetched per lookup; the closest one is used
	NeighborCount int

	// Embedding model name, part of the persisted index fingerprint
	EmbeddingModel string
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		KnowledgeDir:    "prompts",
		AcceptThreshold: 0.7,
		LearnThreshold:  1.4,
		NeighborCount:   3,
		EmbeddingModel:  "all-minilm",
	}
}

// Result is the outcome of a lookup.
type Result struct {
	Answer      string
	Found       bool
	ShouldLearn bool
	Distance    float32
	Ordinal     int
}

// Service is the retrieval state for one knowledge domain at a time.
type Service struct {
	cfg      Config
	embedder vectorindex.Embedder
	store    *vectorindex.Store
	logger   zerolog.Logger

	mu         sync.Mutex
	domain     string
	sourcePath string
	entries    []Entry
	index      *vectorindex.Index
}

// New creates a retrieval service. store may be nil to disable index persistence.
func New(cfg Config, embedder vectorindex.Embedder, store *vectorindex.Store, logger zerolog.Logger) *Service {
	if cfg.NeighborCount <= 0 {
		cfg.NeighborCount = 1
	}
	return &Service{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		logger:   logger.With().Str("component", "faq").Logger(),
	}
}

// Initialize loads the entries of domain and drops any previous index.
// Embedding is deferred to the first lookup.
func (s *Service) Initialize(ctx context.Context, domain string) error {
	path := KnowledgePath(s.cfg.KnowledgeDir, domain)
	entries, err := LoadKnowledge(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.domain = domain
	s.sourcePath = path
	s.entries = entries
	s.index = nil

	s.logger.Info().
		Str("domain", domain).
		Int("entries", len(entries)).
		Msg("Knowledge base loaded")
	return nil
}

// Build embeds the entries and builds the index if that has not happened yet.
// A persisted index built from the same questions is reused.
func (s *Service) Build(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.domain == "" || len(s.entries) == 0 {
		return ErrIndexUnavailable
	}
	if s.index != nil {
		return nil
	}

	questions := make([]string, len(s.entries))
	for i, e := range s.entries {
		questions[i] = strings.ToLower(e.Question)
	}
	fp := fingerprint(s.cfg.EmbeddingModel, questions)

	if s.store != nil {
		idx, err := s.store.Load(s.domain)
		switch {
		case err == nil && idx.Fingerprint() == fp && idx.Len() == len(questions):
			s.index = idx
			s.logger.Debug().Str("domain", s.domain).Msg("Reusing persisted index")
			return nil
		case err != nil && !errors.Is(err, vectorindex.ErrNotFound):
			s.logger.Warn().Err(err).Str("domain", s.domain).Msg("Persisted index unreadable, rebuilding")
		}
	}

	idx, err := vectorindex.Build(ctx, s.embedder, questions)
	if err != nil {
		return fmt.Errorf("failed to build index for %s: %w", s.domain, err)
	}
	idx.SetFingerprint(fp)
	s.index = idx

	if s.store != nil {
		if err := s.store.Persist(idx, s.domain); err != nil {
			s.logger.Warn().Err(err).Str("domain", s.domain).Msg("Failed to persist index")
		}
	}

	s.logger.Info().
		Str("domain", s.domain).
		Int("vectors", idx.Len()).
		Msg("Index built")
	return nil
}

// Answer looks up the entry closest to text.
func (s *Service) Answer(ctx context.Context, text string) (Result, error) {
	if err := s.Build(ctx); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	idx, entries := s.index, s.entries
	s.mu.Unlock()

	if idx == nil {
		return Result{}, ErrIndexUnavailable
	}

	vec, err := s.embedder.Embed(ctx, strings.ToLower(text))
	if err != nil {
		return Result{}, fmt.Errorf("failed to embed query: %w", err)
	}

	neighbors, err := idx.NearestNeighbors(vec, s.cfg.NeighborCount)
	if err != nil {
		return Result{}, fmt.Errorf("failed to search index: %w", err)
	}
	if len(neighbors) == 0 {
		return Result{}, ErrIndexUnavailable
	}

	best := neighbors[0]
	res := Result{Distance: best.Distance, Ordinal: best.Ordinal}

	if best.Distance < s.cfg.AcceptThreshold {
		res.Found = true
		if best.Ordinal < len(entries) {
			res.Answer = entries[best.Ordinal].Answer
		} else {
			s.logger.Warn().
				Int("ordinal", best.Ordinal).
				Int("entries", len(entries)).
				Msg("Index ordinal has no entry")
			res.Answer = RepeatAnswer
		}
	}
	res.ShouldLearn = !res.Found && best.Distance > s.cfg.LearnThreshold

	s.logger.Debug().
		Float32("distance", best.Distance).
		Bool("found", res.Found).
		Bool("should_learn", res.ShouldLearn).
		Msg("FAQ lookup")

	return res, nil
}

// Reset discards the in-memory entries and index. Persisted files are kept.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.domain = ""
	s.sourcePath = ""
	s.entries = nil
	s.index = nil
}

// SourcePath returns the knowledge source of the initialized domain.
func (s *Service) SourcePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourcePath
}

func fingerprint(model string, questions []string) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, q := range questions {
		h.Write([]byte{0})
		h.Write([]byte(q))
	}
	return hex.EncodeToString(h.Sum(nil))
}
