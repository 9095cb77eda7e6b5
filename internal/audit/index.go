// Package audit provides full-text search over interaction and failure
// records using an in-memory bleve index.
package audit

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/hourglass-hq/hourglass/internal/engine"
)

// Hit is one search result.
type Hit struct {
	ID        string  `json:"id"`
	RequestID string  `json:"request_id"`
	Kind      string  `json:"kind"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
}

type indexedDoc struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`
}

// Index holds the searchable view of audit records. It implements the
// engine's Recorder interface so records are indexed as they are emitted.
type Index struct {
	bleve  bleve.Index
	meta   map[string]indexedDoc
	mu     sync.RWMutex
	logger *log.Logger
}

// NewIndex builds an empty in-memory index.
func NewIndex(logger *log.Logger) (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating audit index: %w", err)
	}
	return &Index{bleve: idx, meta: make(map[string]indexedDoc), logger: logger}, nil
}

func (ix *Index) RecordInteraction(_ context.Context, rec engine.InteractionRecord) {
	doc := indexedDoc{
		RequestID: rec.RequestID,
		Kind:      "interaction",
		Text:      rec.Stage + " " + rec.Action + " " + rec.InputSummary + " " + rec.OutputSummary + " " + rec.Error,
	}
	ix.add(rec.ID, doc)
}

func (ix *Index) RecordFailure(_ context.Context, rec engine.FailureRecord) {
	doc := indexedDoc{
		RequestID: rec.RequestID,
		Kind:      "failure",
		Text:      rec.Question + " " + rec.RootCause,
	}
	ix.add(rec.ID, doc)
}

func (ix *Index) add(id string, doc indexedDoc) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.meta[id] = doc
	if err := ix.bleve.Index(id, doc); err != nil && ix.logger != nil {
		ix.logger.Printf("indexing audit record %s: %v", id, err)
	}
}

// Search runs a query-string search and returns the top k hits.
func (ix *Index) Search(q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := ix.bleve.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("searching audit index: %w", err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []Hit
	for i, hit := range res.Hits {
		doc := ix.meta[hit.ID]
		out = append(out, Hit{
			ID:        hit.ID,
			RequestID: doc.RequestID,
			Kind:      doc.Kind,
			Snippet:   snippet(doc.Text),
			Score:     hit.Score,
			Rank:      i + 1,
		})
	}
	return out, nil
}

func snippet(text string) string {
	const max = 200
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
