package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Bin Alert {{.ChangeText}}]
Device: {{.DeviceID}}
Kind: {{.Kind}}
Severity: {{.Severity}}
Detail: {{.Message}}
Opened: {{.OpenedAt}}
{{- if .ResolvedAt }}
Resolved: {{.ResolvedAt}} ({{.ResolvedBy}})
{{- end }}
Suggestion: {{.Suggestion}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	DeviceID   string
	Kind       string
	Severity   string
	Message    string
	WindowID   string
	OpenedAt   string
	ResolvedAt string
	ResolvedBy string
	Change     string
	ChangeText string
	Suggestion string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alert-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alert template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
