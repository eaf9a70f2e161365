// Package report renders the version report in csv, html, json or yaml.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loykin/avdb/internal/store"
)

// Supported formats.
const (
	FormatCSV  = "csv"
	FormatHTML = "html"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Formats lists the accepted format names.
var Formats = []string{FormatCSV, FormatHTML, FormatJSON, FormatYAML}

// ContentType returns the MIME type for format, "" when unknown.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatJSON:
		return "application/json; charset=utf-8"
	case FormatYAML, "yml":
		return "application/yaml; charset=utf-8"
	}
	return ""
}

// Render writes rows to w in format. generated stamps the html page.
func Render(w io.Writer, format string, rows []store.ReportRow, generated time.Time) error {
	switch strings.ToLower(format) {
	case FormatCSV:
		return renderCSV(w, rows)
	case FormatHTML:
		return page.Execute(w, struct {
			Rows      []store.ReportRow
			Generated string
		}{rows, generated.Format("2006-01-02 15:04")})
	case FormatJSON:
		return renderJSON(w, rows)
	case FormatYAML, "yml":
		return renderYAML(w, rows)
	}
	return fmt.Errorf("unknown report format %q (want one of %s)", format, strings.Join(Formats, ", "))
}

func renderCSV(w io.Writer, rows []store.ReportRow) error {
	cw := csv.NewWriter(w)
	for _, r := range rows {
		if err := cw.Write([]string{r.Cell, r.Host, r.Node, r.Version}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonRow struct {
	Cell      string    `json:"cell" yaml:"cell"`
	Host      string    `json:"host" yaml:"host"`
	Node      string    `json:"node" yaml:"node"`
	Version   string    `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func toRows(rows []store.ReportRow) []jsonRow {
	out := make([]jsonRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, jsonRow{r.Cell, r.Host, r.Node, r.Version, r.CreatedAt.UTC()})
	}
	return out
}

func renderJSON(w io.Writer, rows []store.ReportRow) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(toRows(rows))
}

func renderYAML(w io.Writer, rows []store.ReportRow) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(toRows(rows)); err != nil {
		return fmt.Errorf("failed to encode yaml report: %w", err)
	}
	return enc.Close()
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<style>
body {
  margin: 3em;
}
h1 {
  font-family: sans-serif;
  font-size: 180%;
}
table {
  border-collapse: collapse;
}
table, th, td {
  border: 1px solid #999;
}
td {
  padding: .5em 1em;
}
</style>
</head>
<body>
<h1>afs version tracking database</h1>
<table>
<tr><th>cell</th><th>host</th><th>node</th><th>version</th></tr>
{{- range .Rows}}
<tr>
<td>{{.Cell}}</td>
<td>{{.Host}}</td>
<td>{{.Node}}</td>
<td>{{.Version}}</td>
</tr>
{{- end}}
</table>

<p>rendered on {{.Generated}}</p>
</body>
</html>
`))
