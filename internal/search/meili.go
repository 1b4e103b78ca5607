package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxCanon = "bookworm_canon"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the canon index.
// The caller proceeds without search if the engine is down; the health
// loop reconfigures the index once it comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxCanon,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxCanon, err)
	}

	index := m.client.Index(idxCanon)
	filterable := []interface{}{"ownerId", "projectId", "tab", "canonState"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxCanon, err)
	}
	searchable := []string{"title", "body", "tags"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxCanon, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the canon index. The owner filter is always applied.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		Limit:                 limit,
		AttributesToHighlight: []string{"*"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}

	filters := []string{fmt.Sprintf("ownerId = %q", q.OwnerID)}
	if q.ProjectID != "" {
		filters = append(filters, fmt.Sprintf("projectId = %q", q.ProjectID))
	}
	if q.Tab != "" {
		filters = append(filters, fmt.Sprintf("tab = %q", q.Tab))
	}
	if q.CanonState != "" {
		filters = append(filters, fmt.Sprintf("canonState = %q", q.CanonState))
	}
	sr.Filter = filters

	resp, err := m.client.Index(idxCanon).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:         decodeString(hit, "id"),
		ProjectID:  decodeString(hit, "projectId"),
		Tab:        decodeString(hit, "tab"),
		CanonState: decodeString(hit, "canonState"),
	}
	r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), snippet(decodeString(hit, "body")))
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexCanon adds or updates a canon item in the search index.
func (m *Meili) IndexCanon(rec CanonRecord) error {
	_, err := m.client.Index(idxCanon).AddDocuments([]CanonRecord{rec}, nil)
	return err
}

// DeleteCanon removes a canon item from the search index.
func (m *Meili) DeleteCanon(id string) error {
	_, err := m.client.Index(idxCanon).DeleteDocument(id, nil)
	return err
}

// IndexCanonBatch bulk-indexes canon items, used on backfill.
func (m *Meili) IndexCanonBatch(recs []CanonRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCanon).AddDocuments(recs, nil)
	return err
}
