// Package brain is the workspace knowledge base used to enrich capability
// inputs with context passages.
package brain

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/storage"
)

// Hit is a scored passage
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

// Retriever scores workspace documents against a query by term overlap
type Retriever struct {
	logger *zap.Logger
	docs   *storage.DocumentStore
}

// NewRetriever creates a new retriever
func NewRetriever(docs *storage.DocumentStore, logger *zap.Logger) *Retriever {
	return &Retriever{
		logger: logger.Named("brain"),
		docs:   docs,
	}
}

// Ingest adds a text block to the workspace knowledge base
func (r *Retriever) Ingest(ctx context.Context, workspaceID, text string) (*storage.Document, error) {
	doc, err := r.docs.Ingest(ctx, workspaceID, text)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Document ingested",
		zap.String("workspace_id", workspaceID),
		zap.String("document_id", doc.ID),
		zap.Int("length", len(text)))
	return doc, nil
}

// Remove deletes a document
func (r *Retriever) Remove(ctx context.Context, workspaceID, id string) (bool, error) {
	return r.docs.Delete(ctx, workspaceID, id)
}

// Search returns up to limit passages sharing terms with the query, best first.
// Score is the fraction of distinct query terms found in the passage.
func (r *Retriever) Search(ctx context.Context, workspaceID, query string, limit int) ([]Hit, error) {
	terms := tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return []Hit{}, nil
	}

	docs, err := r.docs.List(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	hits := []Hit{}
	for _, doc := range docs {
		words := tokenize(doc.Text)
		matched := 0
		for term := range terms {
			if _, ok := words[term]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, Hit{
			ID:    doc.ID,
			Score: float64(matched) / float64(len(terms)),
			Text:  doc.Text,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			terms[f] = struct{}{}
		}
	}
	return terms
}
