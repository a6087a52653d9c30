package db

import (
	"context"
	"fmt"
	"time"

	"github.com/chaserhq/chaser/consts"
	"github.com/jackc/pgx/v5"
)

// DefaultTemplateName is the template used when a tracked email names none.
// It is seeded by the schema migration and cannot be deleted.
const DefaultTemplateName = "default"

// Template is a named reminder template. Subject and body carry
// {PLACEHOLDER} tokens substituted at render time.
type Template struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetTemplate fetches a template by name.
func (db *Database) GetTemplate(ctx context.Context, name string) (*Template, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	var tmpl Template
	err := db.TimedQueryRow(ctx, "get_template", `
		SELECT id, name, subject, body, created_at, updated_at
		FROM templates
		WHERE name = $1`,
		name).Scan(&tmpl.ID, &tmpl.Name, &tmpl.Subject, &tmpl.Body, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrTemplateNotFound
		}
		return nil, err
	}
	return &tmpl, nil
}

// ListTemplates returns all templates ordered by name.
func (db *Database) ListTemplates(ctx context.Context) ([]*Template, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	rows, err := db.TimedQuery(ctx, "list_templates", `
		SELECT id, name, subject, body, created_at, updated_at
		FROM templates
		ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		var tmpl Template
		if err := rows.Scan(&tmpl.ID, &tmpl.Name, &tmpl.Subject, &tmpl.Body,
			&tmpl.CreatedAt, &tmpl.UpdatedAt); err != nil {
			return nil, err
		}
		templates = append(templates, &tmpl)
	}
	return templates, rows.Err()
}

// UpsertTemplate creates or replaces a template by name. Edits take effect
// for reminders rendered after the write; already-sent reminders keep the
// template name they recorded.
func (db *Database) UpsertTemplate(ctx context.Context, name, subject, body string) (*Template, error) {
	if name == "" {
		return nil, fmt.Errorf("template name is required")
	}
	if subject == "" || body == "" {
		return nil, fmt.Errorf("template subject and body are required")
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	var tmpl Template
	err := db.TimedQueryRow(ctx, "upsert_template", `
		INSERT INTO templates (name, subject, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			subject = EXCLUDED.subject,
			body = EXCLUDED.body,
			updated_at = now()
		RETURNING id, name, subject, body, created_at, updated_at`,
		name, subject, body).Scan(&tmpl.ID, &tmpl.Name, &tmpl.Subject, &tmpl.Body, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert template: %w", err)
	}
	return &tmpl, nil
}

// DeleteTemplate removes a template by name. The default template cannot be
// removed; tracked emails referencing a deleted template fall back to it at
// render time.
func (db *Database) DeleteTemplate(ctx context.Context, name string) error {
	if name == DefaultTemplateName {
		return consts.ErrNotPermitted
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `DELETE FROM templates WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrTemplateNotFound
	}
	return nil
}
