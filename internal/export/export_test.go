package export

import (
	"context"
	"strings"
	"testing"
	"time"

	"bookworm/api/internal/store"
)

type stubDataStore struct {
	project store.Project
	items   []store.CanonItem
}

func (s *stubDataStore) GetProjectForOwner(context.Context, string, string) (store.Project, error) {
	return s.project, nil
}

func (s *stubDataStore) ListCanonItems(context.Context, string, string, string) ([]store.CanonItem, error) {
	return s.items, nil
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Harbor Lights", "Harbor-Lights"},
		{"draft: chapter 3?!", "draft-chapter-3"},
		{"", "compendium"},
		{"///", "compendium"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("a b+c")
	if got != "a%20b%2Bc" {
		t.Errorf("percentEncodeForDataURL = %q", got)
	}
	if strings.Contains(percentEncodeForDataURL("hello world"), "+") {
		t.Error("spaces must never encode as +")
	}
}

func TestBodyToHTMLEscapesAndParagraphs(t *testing.T) {
	html := string(bodyToHTML("First paragraph.\n\nSecond <b>bold</b> attempt."))
	if !strings.Contains(html, "<p>First paragraph.</p>") {
		t.Errorf("missing first paragraph in %q", html)
	}
	if strings.Contains(html, "<b>") {
		t.Error("raw HTML in canon body must be escaped")
	}
	if !strings.Contains(html, "&lt;b&gt;") {
		t.Errorf("expected escaped markup in %q", html)
	}
}

func TestRenderCompendiumHTML(t *testing.T) {
	html, err := RenderCompendiumHTML(TemplateData{
		ProjectName: "Harbor Lights",
		GeneratedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Sections: []TemplateSection{
			{Tab: "writing", Items: []TemplateItem{
				{Title: "Aria", BodyHTML: bodyToHTML("Aria is the protagonist."), CanonState: "LOCKED_CANON", UpdatedAt: time.Now()},
			}},
		},
	})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	for _, want := range []string{"Harbor Lights", "writing", "Aria is the protagonist."} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}
}

func TestBuildSectionsFiltersStates(t *testing.T) {
	projectID := "prj_1"
	items := []store.CanonItem{
		{ID: "cn_1", ProjectID: &projectID, Tab: "writing", Title: "Locked", Body: "x", CanonState: store.CanonStateLocked},
		{ID: "cn_2", ProjectID: &projectID, Tab: "writing", Title: "Draft", Body: "x", CanonState: store.CanonStateDraft},
		{ID: "cn_3", ProjectID: &projectID, Tab: "music", Title: "Old", Body: "x", CanonState: store.CanonStateSuperseded},
	}

	sections := buildSections(items, false)
	if len(sections) != 1 || sections[0].Tab != "writing" || len(sections[0].Items) != 1 {
		t.Fatalf("unexpected sections %+v", sections)
	}
	if sections[0].Items[0].Title != "Locked" {
		t.Errorf("expected only the locked item, got %q", sections[0].Items[0].Title)
	}

	withDrafts := buildSections(items, true)
	if len(withDrafts[0].Items) != 2 {
		t.Errorf("drafts not included on request: %+v", withDrafts[0].Items)
	}
	for _, section := range withDrafts {
		for _, item := range section.Items {
			if item.Title == "Old" {
				t.Error("superseded items must never export")
			}
		}
	}
}

func TestExportHTML(t *testing.T) {
	projectID := "prj_1"
	svc := NewService(&stubDataStore{
		project: store.Project{ID: projectID, Name: "Harbor Lights"},
		items: []store.CanonItem{
			{ID: "cn_1", ProjectID: &projectID, Tab: "writing", Title: "Aria", Body: "Aria is the protagonist.", CanonState: store.CanonStateLocked},
		},
	})

	result, err := svc.Export(context.Background(), Request{
		OwnerID: "usr_1", ProjectID: projectID, Format: FormatHTML,
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.Filename != "Harbor-Lights.html" {
		t.Errorf("filename %q", result.Filename)
	}
	if !strings.HasPrefix(result.MimeType, "text/html") {
		t.Errorf("mime type %q", result.MimeType)
	}
	if !strings.Contains(string(result.Data), "Aria is the protagonist.") {
		t.Error("exported HTML missing canon body")
	}
}

func TestExportNothingToExport(t *testing.T) {
	svc := NewService(&stubDataStore{project: store.Project{ID: "prj_1", Name: "Empty"}})
	if _, err := svc.Export(context.Background(), Request{OwnerID: "usr_1", ProjectID: "prj_1", Format: FormatHTML}); err != ErrNothingToExport {
		t.Errorf("expected ErrNothingToExport, got %v", err)
	}
}

func TestBuildSectionsSortsTabs(t *testing.T) {
	items := []store.CanonItem{
		{Tab: "writing", Title: "W", Body: "x", CanonState: store.CanonStateLocked},
		{Tab: "art", Title: "A", Body: "x", CanonState: store.CanonStateLocked},
		{Tab: "music", Title: "M", Body: "x", CanonState: store.CanonStateLocked},
	}
	sections := buildSections(items, false)
	if len(sections) != 3 || sections[0].Tab != "art" || sections[1].Tab != "music" || sections[2].Tab != "writing" {
		t.Errorf("tabs not sorted: %+v", sections)
	}
}
