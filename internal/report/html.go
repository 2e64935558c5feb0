package report

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"
)

const HTMLFileName = "report.html"

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
table { border-collapse: collapse; }
td, th { border: 1px solid #999; padding: 4px 8px; }
.ok { color: green; }
.fail { color: red; }
</style>
</head>
<body>
<h2>{{.Title}}</h2>
<p>Commit: {{.Hash}}<br>Started: {{.Started}}<br>Failed jobs: {{.Failed}} of {{len .Rows}}</p>
<table>
<tr><th>Job</th><th>Status</th><th>Duration</th><th>Log</th><th>Artifacts</th></tr>
{{range .Rows}}{{.}}
{{end}}</table>
</body>
</html>
`))

// Page is the content of the HTML report. Rows are pre-rendered table rows.
type Page struct {
	Title   string
	Hash    string
	Started time.Time
	Failed  int
	Rows    []template.HTML
}

// Header is the one line summary used as the report title and e-mail subject.
func Header(host string, failed, total int) string {
	status := "Success"
	if failed > 0 {
		status = fmt.Sprintf("Failure (%d/%d)", failed, total)
	}
	return fmt.Sprintf("OVN CI %s: %s", host, status)
}

// WriteHTML renders p into dir and returns the file path.
func WriteHTML(dir string, p Page) (string, error) {
	path := filepath.Join(dir, HTMLFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	defer f.Close()
	if err := page.Execute(f, p); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return path, nil
}
