// Package search provides full-text lookup over canon items, backed by
// Meilisearch when available and a Postgres ILIKE scan otherwise.
package search

import "context"

// Result is a single canon hit returned to the caller.
type Result struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"projectId,omitempty"`
	Tab        string   `json:"tab"`
	Title      string   `json:"title"`
	Snippet    string   `json:"snippet"`
	CanonState string   `json:"canonState"`
	Tags       []string `json:"tags,omitempty"`
}

// Query describes a search request. OwnerID is mandatory; every backend
// filters on it so one tenant can never see another's canon.
type Query struct {
	Text       string
	OwnerID    string
	ProjectID  string
	Tab        string
	CanonState string
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// CanonRecord is the data we index for a canon item.
type CanonRecord struct {
	ID         string   `json:"id"`
	OwnerID    string   `json:"ownerId"`
	ProjectID  string   `json:"projectId"`
	Tab        string   `json:"tab"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	CanonState string   `json:"canonState"`
	Tags       []string `json:"tags,omitempty"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push canon items into a search index.
type Indexer interface {
	IndexCanon(rec CanonRecord) error
	DeleteCanon(id string) error
}

// Fallback answers queries from the primary store when no search
// engine is reachable.
type Fallback interface {
	SearchCanon(ctx context.Context, q Query) ([]Result, int, error)
}

// Service routes a query to Meilisearch when it is up and to the
// fallback otherwise. A nil engine means the deployment runs without
// Meilisearch at all.
type Service struct {
	engine   Searcher
	fallback Fallback
}

func NewService(engine Searcher, fallback Fallback) *Service {
	return &Service{engine: engine, fallback: fallback}
}

func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if s.engine != nil && s.engine.Healthy() {
		results, total, err := s.engine.Search(q)
		if err == nil {
			return Response{Results: results, Total: total, Query: q.Text}, nil
		}
		// Fall through to the store on engine failure.
	}
	results, total, err := s.fallback.SearchCanon(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: results, Total: total, Query: q.Text}, nil
}
