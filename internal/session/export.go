package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/phantom-sec/phantom/internal/domain"
)

// Export formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"cell": mdCell,
	"ts":   func(t time.Time) string { return t.Format(time.RFC3339) },
	"dur":  func(d time.Duration) string { return d.Round(time.Millisecond).String() },
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
	"failed": func(rs []domain.ExecutionResult) []domain.ExecutionResult {
		var out []domain.ExecutionResult
		for _, r := range rs {
			if r.Status != domain.StatusSuccess {
				out = append(out, r)
			}
		}
		return out
	},
}).Parse(`# Session {{ if .Name }}{{ .Name }}{{ else }}{{ .ID }}{{ end }}

- ID: ` + "`{{ .ID }}`" + `
- Created: {{ ts .CreatedAt }}
- Updated: {{ ts .UpdatedAt }}
- Entries: {{ len .Results }}
{{- if .Description }}

{{ .Description }}
{{- end }}
{{- if .Targets }}

## Targets
{{ range .Targets }}
- {{ . }}
{{- end }}
{{- end }}

## Results
{{ if .Results }}
| # | Plugin | Target | Status | Duration | Finished |
|---|--------|--------|--------|----------|----------|
{{- range $i, $r := .Results }}
| {{ $i }} | {{ cell $r.PluginID }} | {{ cell $r.Target }} | {{ $r.Status }} | {{ dur $r.Duration }} | {{ ts $r.FinishedAt }} |
{{- end }}
{{ else }}
No results.
{{ end }}
{{- with failed .Results }}
## Failures
{{ range . }}
- **{{ .PluginID }}** on ` + "`{{ .Target }}`" + `: {{ .Status }}{{ with .Error }} ({{ .Kind }}: {{ .Message }}{{ if .Cause }}, {{ .Cause }}{{ end }}){{ end }}
{{- end }}
{{ end }}
{{- range .Results }}{{ if and .Data (eq .Status "success") }}
### {{ .PluginID }} / {{ .Target }}

` + "```json" + `
{{ json .Data }}
` + "```" + `
{{ end }}{{ end }}
{{- if .Notes }}
## Notes

{{ .Notes }}
{{ end -}}
`))

func mdCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// Export renders snap in the given format.
func Export(snap Snapshot, format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		b, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding session: %w", err)
		}
		return append(b, '\n'), nil
	case FormatMarkdown, "md":
		var buf bytes.Buffer
		if err := reportTmpl.Execute(&buf, snap); err != nil {
			return nil, fmt.Errorf("rendering report: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}
