package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Document is a knowledge-base entry of a workspace
type Document struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DocumentStore persists knowledge-base documents
type DocumentStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewDocumentStore creates a new SQLite-backed document store
func NewDocumentStore(db *sql.DB, logger *zap.Logger) *DocumentStore {
	return &DocumentStore{
		logger: logger.Named("document-store"),
		db:     db,
	}
}

// Ingest stores a text block in the workspace knowledge base
func (s *DocumentStore) Ingest(ctx context.Context, workspaceID, text string) (*Document, error) {
	doc := &Document{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Text:        text,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, workspace_id, text, created_at) VALUES (?, ?, ?, ?)`,
		doc.ID, doc.WorkspaceID, doc.Text, toUnix(doc.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to ingest document: %w", err)
	}
	return doc, nil
}

// List lists the documents of a workspace, newest first
func (s *DocumentStore) List(ctx context.Context, workspaceID string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, text, created_at FROM documents
		WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{}
		var createdAt int64
		if err := rows.Scan(&doc.ID, &doc.WorkspaceID, &doc.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.CreatedAt = fromUnix(createdAt)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return docs, nil
}

// Delete removes a document from the workspace knowledge base
func (s *DocumentStore) Delete(ctx context.Context, workspaceID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	return affected(res)
}
