// Package export renders a project's canon compendium to HTML, PDF and DOCX.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation. An empty
// ProjectID exports the caller's global canon.
type Request struct {
	OwnerID       string
	ProjectID     string
	Format        Format
	IncludeDrafts bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrNothingToExport indicates the selection matched no canon items.
	ErrNothingToExport = errors.New("export selection empty")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
