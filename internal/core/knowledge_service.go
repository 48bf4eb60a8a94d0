package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"edustack.com/course-assistant/internal/store"
	"edustack.com/course-assistant/internal/utils"
)

var (
	// ErrValidation indicates malformed or missing caller input.
	ErrValidation = errors.New("validation failed")
	// ErrIndexingFailed indicates that no chunk of an indexing run could
	// be embedded and persisted.
	ErrIndexingFailed = errors.New("indexing failed")
)

var courseIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

const (
	// DefaultSearchLimit and DefaultMinScore apply to explicit search
	// queries that leave the option unset.
	DefaultSearchLimit = 5
	DefaultMinScore    = 0.7
	// ChatRetrievalMinScore is deliberately lower so conversational
	// retrieval surfaces more context than an explicit search would.
	ChatRetrievalMinScore = 0.5

	maxChunkSize = utils.DefaultMaxChunkSize
)

// Embedder converts text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KnowledgeStore is the persistence surface the knowledge service needs.
type KnowledgeStore interface {
	CreateChunk(chunk *store.KnowledgeChunk) error
	DeleteChunksBySource(courseID, sourceFile string) (int64, error)
	DeleteCourseChunks(courseID string) (int64, error)
	GetChunksByCourse(courseID string) ([]store.KnowledgeChunk, error)
	CountChunks() (int64, error)
	CountCourses() (int64, error)
}

// SearchResult is one semantic-search hit.
type SearchResult struct {
	Content  string               `json:"content"`
	CourseID string               `json:"courseId"`
	Score    float32              `json:"score"`
	Metadata *store.ChunkMetadata `json:"metadata,omitempty"`
}

// SearchOptions narrows and bounds a similarity search. Zero values fall
// back to the service defaults.
type SearchOptions struct {
	CourseID string
	Limit    int
	MinScore float32
}

// IndexResult reports the outcome of an indexing run.
type IndexResult struct {
	ChunksCreated int `json:"chunksCreated"`
}

// KnowledgeStats summarizes the indexed corpus.
type KnowledgeStats struct {
	TotalChunks    int64 `json:"totalChunks"`
	CoursesCovered int64 `json:"coursesCovered"`
}

// KnowledgeService indexes course content and serves semantic search over
// it. Search is brute-force over the stored vectors, which is fine at the
// corpus sizes a single course catalog produces.
type KnowledgeService struct {
	store    KnowledgeStore
	embedder Embedder
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func NewKnowledgeService(st KnowledgeStore, embedder Embedder, logger *slog.Logger) *KnowledgeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeService{
		store:    st,
		embedder: embedder,
		// Paces embedding calls during bulk indexing so a large file
		// does not trip the upstream rate limit.
		limiter: rate.NewLimiter(rate.Every(40*time.Millisecond), 1),
		logger:  logger,
	}
}

// IndexCourseContent chunks content, embeds each chunk, and persists the
// results for (courseID, sourceFile). Existing chunks for the same pair
// are deleted first, so re-indexing a file is idempotent. A single
// chunk's embedding failure is logged and skipped; the run fails only
// when no chunk at all could be created.
func (s *KnowledgeService) IndexCourseContent(ctx context.Context, courseID, content, sourceFile string) (*IndexResult, error) {
	if !courseIDPattern.MatchString(courseID) {
		return nil, fmt.Errorf("%w: invalid course id %q", ErrValidation, courseID)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if strings.TrimSpace(sourceFile) == "" {
		return nil, fmt.Errorf("%w: source file is empty", ErrValidation)
	}

	deleted, err := s.store.DeleteChunksBySource(courseID, sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to clear previous chunks: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("replacing previously indexed chunks",
			"courseId", courseID, "sourceFile", sourceFile, "deleted", deleted)
	}

	chunks := utils.SplitIntoChunks(content, maxChunkSize)
	created := 0
	for i, chunk := range chunks {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		embedding, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			s.logger.Warn("skipping chunk, embedding failed",
				"courseId", courseID, "sourceFile", sourceFile, "chunkIndex", i, "error", err)
			continue
		}
		err = s.store.CreateChunk(&store.KnowledgeChunk{
			CourseID:   courseID,
			SourceFile: sourceFile,
			ChunkIndex: i,
			Content:    chunk,
			Embedding:  embedding,
			Metadata:   &store.ChunkMetadata{TokenCount: estimateTokens(chunk)},
		})
		if err != nil {
			s.logger.Warn("skipping chunk, persist failed",
				"courseId", courseID, "sourceFile", sourceFile, "chunkIndex", i, "error", err)
			continue
		}
		created++
	}

	if created == 0 {
		return nil, fmt.Errorf("%w: no chunks could be indexed for %s/%s", ErrIndexingFailed, courseID, sourceFile)
	}
	s.logger.Info("indexed course content",
		"courseId", courseID, "sourceFile", sourceFile, "chunksCreated", created)
	return &IndexResult{ChunksCreated: created}, nil
}

// SearchSimilar embeds the query and ranks stored chunks against it.
// An empty store (after the optional course filter) yields an empty
// result, not an error.
func (s *KnowledgeService) SearchSimilar(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrValidation)
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultSearchLimit
	}
	if opts.MinScore == 0 {
		opts.MinScore = DefaultMinScore
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	chunks, err := s.store.GetChunksByCourse(opts.CourseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return []SearchResult{}, nil
	}

	candidates := make([][]float32, len(chunks))
	for i := range chunks {
		candidates[i] = chunks[i].Embedding
	}
	ranked, err := utils.RankBySimilarity(queryVec, candidates, utils.RankOptions{
		Limit:    opts.Limit,
		MinScore: opts.MinScore,
	})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(ranked))
	for i, r := range ranked {
		chunk := chunks[r.Index]
		results[i] = SearchResult{
			Content:  chunk.Content,
			CourseID: chunk.CourseID,
			Score:    r.Score,
			Metadata: chunk.Metadata,
		}
	}
	return results, nil
}

// Stats reports the size of the indexed corpus.
func (s *KnowledgeService) Stats() (*KnowledgeStats, error) {
	chunks, err := s.store.CountChunks()
	if err != nil {
		return nil, err
	}
	courses, err := s.store.CountCourses()
	if err != nil {
		return nil, err
	}
	return &KnowledgeStats{TotalChunks: chunks, CoursesCovered: courses}, nil
}

// DeleteCourseChunks drops everything indexed for a course.
func (s *KnowledgeService) DeleteCourseChunks(courseID string) (int64, error) {
	if !courseIDPattern.MatchString(courseID) {
		return 0, fmt.Errorf("%w: invalid course id %q", ErrValidation, courseID)
	}
	return s.store.DeleteCourseChunks(courseID)
}

// estimateTokens approximates token count as one token per four
// characters, the usual rule of thumb for English-ish text.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
