package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bookworm/api/internal/store"
)

// DataStore is the slice of the primary store the exporter needs.
type DataStore interface {
	GetProjectForOwner(ctx context.Context, projectID, ownerID string) (store.Project, error)
	ListCanonItems(ctx context.Context, ownerID, projectID, tab string) ([]store.CanonItem, error)
}

// Service renders canon compendiums.
type Service struct {
	store DataStore
}

func NewService(st DataStore) *Service {
	return &Service{store: st}
}

// Export builds the compendium for one project (or the global canon)
// and converts it to the requested format. Superseded items are always
// left out; drafts only when asked for.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	title := "Global Canon"
	if req.ProjectID != "" {
		project, err := s.store.GetProjectForOwner(ctx, req.ProjectID, req.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("get project: %w", err)
		}
		title = project.Name
	}

	items, err := s.store.ListCanonItems(ctx, req.OwnerID, req.ProjectID, "")
	if err != nil {
		return nil, fmt.Errorf("list canon: %w", err)
	}

	data := TemplateData{
		ProjectName: title,
		GeneratedAt: time.Now(),
		Sections:    buildSections(items, req.IncludeDrafts),
	}
	if len(data.Sections) == 0 {
		return nil, ErrNothingToExport
	}

	html, err := RenderCompendiumHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, title)
	case FormatDOCX:
		return exportDOCX(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func buildSections(items []store.CanonItem, includeDrafts bool) []TemplateSection {
	byTab := make(map[string][]TemplateItem)
	for _, item := range items {
		switch item.CanonState {
		case store.CanonStateSuperseded:
			continue
		case store.CanonStateDraft:
			if !includeDrafts {
				continue
			}
		}
		byTab[item.Tab] = append(byTab[item.Tab], TemplateItem{
			Title:      item.Title,
			BodyHTML:   bodyToHTML(item.Body),
			CanonState: item.CanonState,
			Tags:       item.Tags,
			UpdatedAt:  item.UpdatedAt,
		})
	}

	tabs := make([]string, 0, len(byTab))
	for tab := range byTab {
		tabs = append(tabs, tab)
	}
	sort.Strings(tabs)

	sections := make([]TemplateSection, 0, len(tabs))
	for _, tab := range tabs {
		sections = append(sections, TemplateSection{Tab: tab, Items: byTab[tab]})
	}
	return sections
}
