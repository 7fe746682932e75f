// Package kb provides knowledge base text chunking and similarity retrieval.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/formpilot/FormPilot/internal/models"
)

// Default chunking parameters for uploaded documents.
const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 200
)

// ChunkText splits text into overlapping chunks for embedding. Sizes are in
// runes so multibyte text never splits mid-character. Non-positive arguments
// fall back to the defaults; empty chunks are dropped.
func ChunkText(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultChunkOverlap
		if overlap >= chunkSize {
			overlap = chunkSize / 4
		}
	}

	runes := []rune(text)
	length := len(runes)
	var chunks []string
	start := 0
	for start < length {
		end := start + chunkSize
		if end > length {
			end = length
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == length {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}

// Embedder turns text into an embedding vector.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float64, error)
}

// DocumentSearcher runs a similarity search over stored document embeddings.
type DocumentSearcher interface {
	SearchKBDocuments(tenantID string, kbID int64, embedding []float64, limit int) ([]models.KBResult, error)
}

// Retriever embeds queries and searches one knowledge base. It implements the
// engine's knowledge retrieval capability.
type Retriever struct {
	embedder Embedder
	store    DocumentSearcher
	tenantID string
	kbID     int64
}

// NewRetriever creates a retriever bound to one knowledge base.
func NewRetriever(embedder Embedder, store DocumentSearcher, tenantID string, kbID int64) *Retriever {
	return &Retriever{embedder: embedder, store: store, tenantID: tenantID, kbID: kbID}
}

// Search embeds the query and returns the closest document chunks.
func (r *Retriever) Search(ctx context.Context, query string, limit int) ([]models.KBResult, error) {
	slog.Debug("Retriever.Search: searching knowledge base", "kb_id", r.kbID, "limit", limit)
	embedding, err := r.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	results, err := r.store.SearchKBDocuments(r.tenantID, r.kbID, embedding, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge base %d: %w", r.kbID, err)
	}
	return results, nil
}

// CosineSimilarity computes the cosine similarity of two vectors. Mismatched
// or zero-length vectors score zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
