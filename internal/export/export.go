// Package export renders briefing session snapshots for download.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/echo-briefing/internal/domain"
	"gopkg.in/yaml.v3"
)

// Exporter writes a session in one format.
type Exporter interface {
	Export(session *domain.BriefingSession, w io.Writer) error
	ContentType() string
	Extension() string
}

// NewExporter creates an exporter for format. An empty format means JSON.
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return JSONExporter{}, nil
	case "yaml", "yml":
		return YAMLExporter{}, nil
	case "md", "markdown":
		return MarkdownExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: json, yaml, markdown)", format)
	}
}

// JSONExporter exports sessions as indented JSON.
type JSONExporter struct{}

func (JSONExporter) Export(session *domain.BriefingSession, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(session)
}

func (JSONExporter) ContentType() string { return "application/json" }
func (JSONExporter) Extension() string   { return "json" }

// YAMLExporter exports sessions as YAML.
type YAMLExporter struct{}

func (YAMLExporter) Export(session *domain.BriefingSession, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()
	enc.SetIndent(2)
	return enc.Encode(session)
}

func (YAMLExporter) ContentType() string { return "application/yaml" }
func (YAMLExporter) Extension() string   { return "yaml" }

// MarkdownExporter exports the dialogue as a readable document. The seed
// directive is omitted.
type MarkdownExporter struct{}

func (MarkdownExporter) Export(session *domain.BriefingSession, w io.Writer) error {
	title := session.SubjectTitle
	if title == "" {
		title = "Untitled briefing"
	}
	_, _ = fmt.Fprintf(w, "# %s\n\n", title)
	_, _ = fmt.Fprintf(w, "**Session:** %s  \n", session.ID)
	_, _ = fmt.Fprintf(w, "**Status:** %s  \n", session.Status)
	_, _ = fmt.Fprintf(w, "**Updated:** %s\n\n", session.UpdatedAt.UTC().Format("2006-01-02 15:04 MST"))
	_, _ = fmt.Fprintf(w, "---\n\n## Conversation\n\n")

	for _, turn := range session.Transcript {
		if turn.Role == domain.RoleSystem {
			continue
		}
		_, _ = fmt.Fprintf(w, "**%s:**\n\n", speaker(turn.Role))
		for _, part := range turn.Parts {
			switch {
			case part.Image != nil:
				_, _ = fmt.Fprintf(w, "![image](%s)\n\n", part.Image.Path)
			case part.Text != "":
				_, _ = fmt.Fprintf(w, "%s\n\n", part.Text)
			}
		}
	}

	if len(session.Images) > 0 {
		_, _ = fmt.Fprintf(w, "---\n\n## Images\n\n")
		for _, img := range session.Images {
			_, _ = fmt.Fprintf(w, "- [%s](%s): %s\n", img.CreatedAt.UTC().Format("2006-01-02 15:04"), img.URL, oneLine(img.Prompt))
		}
	}
	return nil
}

func (MarkdownExporter) ContentType() string { return "text/markdown; charset=utf-8" }
func (MarkdownExporter) Extension() string   { return "md" }

func speaker(role domain.Role) string {
	if role == domain.RoleAssistant {
		return "Echo"
	}
	return "Buyer"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
