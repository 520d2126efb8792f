package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"

	"sitecontrol/api/internal/control"
)

//go:embed templates/*.html
var templateFS embed.FS

var controlTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"paragraphs":  paragraphs,
		"pointStatus": pointStatusLabel,
	}

	templateContent, err := templateFS.ReadFile("templates/control.html")
	if err != nil {
		controlTemplate = template.Must(template.New("control").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	controlTemplate = template.Must(template.New("control").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for control template rendering
type TemplateData struct {
	Title        string
	Kind         string
	ProjectName  string
	Date         string
	Location     string
	Inspector    string
	Description  string
	Notes        string
	Participants []control.Participant
	Sections     []TemplateSection
	Photos       []TemplateImage
	Deviations   []TemplateImage
	Signatures   []TemplateImage
	// Missing lists references that could not be embedded.
	Missing []string
}

// TemplateSection is one checklist section with its points in stable order.
type TemplateSection struct {
	Title  string
	Points []TemplatePoint
	Photos []TemplateImage
}

type TemplatePoint struct {
	Name   string
	Status control.PointStatus
	Remark string
}

// TemplateImage is an embedded image. Src is always a data: URI.
type TemplateImage struct {
	Src     template.URL
	Caption string
}

// BuildTemplateData maps a control to template data. Only inline references
// become images; anything else is listed under Missing.
func BuildTemplateData(c control.Control) TemplateData {
	data := TemplateData{
		Title:        c.Title(),
		Kind:         string(c.Type),
		ProjectName:  c.Project.Name,
		Date:         c.Date,
		Location:     c.Location,
		Inspector:    c.Inspector,
		Description:  c.Description,
		Notes:        c.Notes,
		Participants: c.Participants,
	}
	data.Photos = data.images(c.Photos)
	data.Deviations = data.images(c.DeviationPhotos)
	data.Signatures = data.images(c.Signatures)

	for _, s := range c.Checklist {
		section := TemplateSection{Title: s.Title, Photos: data.images(s.Photos.Refs())}
		for _, point := range control.SortPoints(s) {
			section.Points = append(section.Points, TemplatePoint{
				Name:   point,
				Status: s.Statuses[point],
				Remark: s.Remarks[point],
			})
		}
		data.Sections = append(data.Sections, section)
	}
	return data
}

func (d *TemplateData) images(refs []control.MediaRef) []TemplateImage {
	var out []TemplateImage
	for _, ref := range refs {
		if ref.IsZero() {
			continue
		}
		if !ref.IsInline() {
			d.Missing = append(d.Missing, ref.URI())
			continue
		}
		out = append(out, TemplateImage{Src: template.URL(ref.URI()), Caption: ref.Caption()})
	}
	return out
}

// RenderControlHTML renders the control template with provided data
func RenderControlHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := controlTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// paragraphs splits free text on blank lines into escaped <p> blocks.
func paragraphs(text string) template.HTML {
	var b strings.Builder
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		lines := strings.Split(block, "\n")
		for i, line := range lines {
			lines[i] = template.HTMLEscapeString(line)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>"))
		b.WriteString("</p>")
	}
	return template.HTML(b.String())
}

func pointStatusLabel(s control.PointStatus) string {
	switch s {
	case control.PointOK:
		return "OK"
	case control.PointDeviation:
		return "Avvikelse"
	case control.PointNotApplicable:
		return "Ej aktuell"
	default:
		return "-"
	}
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{range .Sections}}<h2>{{.Title}}</h2>
  <ul>{{range .Points}}<li>{{.Name}}: {{pointStatus .Status}}{{if .Remark}} ({{.Remark}}){{end}}</li>{{end}}</ul>
  {{end}}
  {{if .Notes}}{{paragraphs .Notes}}{{end}}
</body>
</html>`
