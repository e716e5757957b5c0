package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Employee is an executor profile that can be assigned capability steps
type Employee struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspaceId"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Capabilities []string  `json:"capabilities"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EmployeeStore persists employees and resolves capability assignments
type EmployeeStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewEmployeeStore creates a new SQLite-backed employee store
func NewEmployeeStore(db *sql.DB, logger *zap.Logger) *EmployeeStore {
	return &EmployeeStore{
		logger: logger.Named("employee-store"),
		db:     db,
	}
}

// Register stores an active employee and its capabilities
func (s *EmployeeStore) Register(ctx context.Context, emp *Employee) error {
	if emp.CreatedAt.IsZero() {
		emp.CreatedAt = time.Now().UTC()
	}
	emp.Active = true

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO employees (id, workspace_id, name, description, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		emp.ID, emp.WorkspaceID, emp.Name, nullString(emp.Description), toUnix(emp.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to register employee: %w", err)
	}

	for _, capability := range emp.Capabilities {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO employee_capabilities (employee_id, capability_key) VALUES (?, ?)`,
			emp.ID, capability); err != nil {
			return fmt.Errorf("failed to register capability: %w", err)
		}
	}

	return tx.Commit()
}

// Deactivate stops an employee from receiving new assignments
func (s *EmployeeStore) Deactivate(ctx context.Context, workspaceID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE employees SET active = 0 WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to deactivate employee: %w", err)
	}
	return nil
}

// AssignCapability returns the earliest registered active employee of the
// workspace that holds the capability, or "" when none does.
func (s *EmployeeStore) AssignCapability(ctx context.Context, workspaceID, capabilityKey string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT e.id FROM employees e
		JOIN employee_capabilities c ON c.employee_id = e.id
		WHERE e.workspace_id = ? AND e.active = 1 AND c.capability_key = ?
		ORDER BY e.created_at, e.id
		LIMIT 1`, workspaceID, capabilityKey).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to assign capability: %w", err)
	}
	return id, nil
}

// ListActive lists the active employees of a workspace with their capabilities
func (s *EmployeeStore) ListActive(ctx context.Context, workspaceID string) ([]*Employee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.workspace_id, e.name, e.description, e.created_at, c.capability_key
		FROM employees e
		LEFT JOIN employee_capabilities c ON c.employee_id = e.id
		WHERE e.workspace_id = ? AND e.active = 1
		ORDER BY e.created_at, e.id, c.capability_key`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	defer rows.Close()

	var employees []*Employee
	byID := make(map[string]*Employee)
	for rows.Next() {
		var (
			id, ws, name          string
			description, capabKey sql.NullString
			createdAt             int64
		)
		if err := rows.Scan(&id, &ws, &name, &description, &createdAt, &capabKey); err != nil {
			return nil, fmt.Errorf("failed to scan employee: %w", err)
		}

		emp, ok := byID[id]
		if !ok {
			emp = &Employee{
				ID:           id,
				WorkspaceID:  ws,
				Name:         name,
				Description:  description.String,
				Capabilities: []string{},
				Active:       true,
				CreatedAt:    fromUnix(createdAt),
			}
			byID[id] = emp
			employees = append(employees, emp)
		}
		if capabKey.Valid {
			emp.Capabilities = append(emp.Capabilities, capabKey.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return employees, nil
}
