package repository

import (
	"context"
	"database/sql"
	"fmt"

	"sync_core/internal/domain"
)

// TaskRepository serves the polled domain snapshots. The dashboard that
// writes tasks and projects lives elsewhere; this side only reads.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, status, due_date, COALESCE(project_id, '')
		FROM tasks ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var due sql.NullTime
		if err := rows.Scan(&t.ID, &t.Title, &t.Status, &due, &t.ProjectID); err != nil {
			return nil, err
		}
		if due.Valid {
			t.DueDate = due.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *TaskRepository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, status, deadline
		FROM projects ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch projects: %w", err)
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		var deadline sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &deadline); err != nil {
			return nil, err
		}
		if deadline.Valid {
			p.Deadline = deadline.Time
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
