package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PGFallback answers canon queries with an ILIKE scan over the primary
// store. Slower and rank-free, but it keeps search working when
// Meilisearch is down or not deployed.
type PGFallback struct {
	db *sql.DB
}

func NewPGFallback(db *sql.DB) *PGFallback {
	return &PGFallback{db: db}
}

func (f *PGFallback) SearchCanon(ctx context.Context, q Query) ([]Result, int, error) {
	pattern := "%" + escapeLike(q.Text) + "%"
	rows, err := f.db.QueryContext(ctx, `
		SELECT id, project_id, tab, title, body, canon_state, tags
		FROM canon_items
		WHERE owner_id = $1
		  AND ($2 = '' OR project_id = $2)
		  AND ($3 = '' OR tab = $3)
		  AND ($4 = '' OR canon_state = $4)
		  AND (title ILIKE $5 OR body ILIKE $5)
		ORDER BY updated_at DESC
		LIMIT $6
	`, q.OwnerID, q.ProjectID, q.Tab, q.CanonState, pattern, q.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("canon fallback search: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		var projectID sql.NullString
		var body string
		var tags []byte
		if err := rows.Scan(&r.ID, &projectID, &r.Tab, &r.Title, &body, &r.CanonState, &tags); err != nil {
			return nil, 0, fmt.Errorf("scan canon hit: %w", err)
		}
		r.ProjectID = projectID.String
		r.Snippet = snippet(body)
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &r.Tags); err != nil {
				return nil, 0, fmt.Errorf("decode tags: %w", err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate canon hits: %w", err)
	}
	return results, len(results), nil
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}

const snippetLen = 200

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= snippetLen {
		return body
	}
	cut := body[:snippetLen]
	if idx := strings.LastIndexByte(cut, ' '); idx > snippetLen/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}
