package core

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"chatstack/internal/chunker"
	"chatstack/internal/extract"
	"chatstack/internal/index"
)

// UploadFile is one file from an upload batch.
type UploadFile struct {
	Name string
	Data []byte
}

// DocumentService holds one session-scoped retrieval index per user. An
// upload batch supersedes the user's previous index wholesale; nothing is
// persisted across restarts.
type DocumentService struct {
	embedder  index.Embedder
	chunkSize int
	logger    zerolog.Logger

	mu      sync.Mutex
	indexes map[int64]*index.Flat
}

func NewDocumentService(embedder index.Embedder, chunkSize int, logger zerolog.Logger) *DocumentService {
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	return &DocumentService{
		embedder:  embedder,
		chunkSize: chunkSize,
		logger:    logger,
		indexes:   make(map[int64]*index.Flat),
	}
}

// IngestUpload extracts, chunks, embeds, and indexes the batch for the user,
// replacing any previous index. A file that cannot be parsed degrades to an
// empty extraction for that file only; the batch continues. Returns the
// number of chunks indexed.
func (s *DocumentService) IngestUpload(userID int64, files []UploadFile) (int, error) {
	var combined string
	for _, f := range files {
		text, err := extract.Text(f.Name, f.Data)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", f.Name).Msg("skipping unreadable upload")
			continue
		}
		if text == "" {
			continue
		}
		combined += text + "\n"
	}

	chunks := chunker.Split(combined, s.chunkSize)
	ix, err := index.Build(s.embedder, chunks)
	if err != nil {
		return 0, fmt.Errorf("failed to build retrieval index: %w", err)
	}

	s.mu.Lock()
	s.indexes[userID] = ix
	s.mu.Unlock()

	s.logger.Info().Int64("user_id", userID).Int("chunks", ix.Len()).Msg("upload batch indexed")
	return ix.Len(), nil
}

// Retrieve returns up to k chunk texts nearest to the query, or nil when the
// user has no session index. Retrieval failure is reported so the caller can
// proceed without context.
func (s *DocumentService) Retrieve(userID int64, query string, k int) ([]string, error) {
	s.mu.Lock()
	ix := s.indexes[userID]
	s.mu.Unlock()
	if ix == nil {
		return nil, nil
	}

	results, err := ix.Query(query, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query retrieval index: %w", err)
	}
	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Text)
	}
	return texts, nil
}

// Clear drops the user's session index.
func (s *DocumentService) Clear(userID int64) {
	s.mu.Lock()
	delete(s.indexes, userID)
	s.mu.Unlock()
}
