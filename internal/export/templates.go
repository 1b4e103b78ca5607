package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var compendiumTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/compendium.html")
	if err != nil {
		// Fallback to built-in template if file not found
		compendiumTemplate = template.Must(template.New("compendium").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	compendiumTemplate = template.Must(template.New("compendium").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for compendium template rendering
type TemplateData struct {
	ProjectName string
	GeneratedAt time.Time
	Sections    []TemplateSection
}

// TemplateSection groups the canon of one tab
type TemplateSection struct {
	Tab   string
	Items []TemplateItem
}

// TemplateItem is one canon entry
type TemplateItem struct {
	Title      string
	BodyHTML   template.HTML
	CanonState string
	Tags       []string
	UpdatedAt  time.Time
}

// RenderCompendiumHTML renders the compendium template with provided data
func RenderCompendiumHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := compendiumTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// bodyToHTML escapes a plain-text canon body and turns blank-line
// separated blocks into paragraphs.
func bodyToHTML(body string) template.HTML {
	var sb strings.Builder
	for _, block := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		sb.WriteString("<p>")
		sb.WriteString(strings.ReplaceAll(template.HTMLEscapeString(block), "\n", "<br>"))
		sb.WriteString("</p>\n")
	}
	return template.HTML(sb.String())
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.ProjectName}} Compendium</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; text-transform: capitalize; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .item { margin: 1rem 0; padding: 1rem; background: #f8f6f1; border-left: 3px solid #333; }
    .state { color: #666; font-size: 0.8em; text-transform: lowercase; }
  </style>
</head>
<body>
  <h1>{{.ProjectName}} Compendium</h1>
  <div class="meta">Generated {{formatDate .GeneratedAt "Jan 2, 2006"}}</div>
  {{range .Sections}}
  <h2>{{.Tab}}</h2>
  {{range .Items}}
  <div class="item">
    <h3>{{.Title}}</h3>
    <div class="state">{{lower .CanonState}}</div>
    <div>{{.BodyHTML}}</div>
  </div>
  {{end}}
  {{end}}
</body>
</html>`
