package report

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// gfm renders GitHub-flavored markdown; the task table needs the table
// extension.
var gfm = goldmark.New(goldmark.WithExtensions(extension.GFM))

// htmlPage is the standalone export shell. Inline styles keep the file
// self-contained so it can be mailed or dropped into a wiki as-is.
const htmlPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; color: #1a1a2e; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.8rem; text-align: left; }
h1, h2 { border-bottom: 1px solid #eee; padding-bottom: 0.3rem; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`

var htmlTmpl = template.Must(template.New("export").Parse(htmlPage))

// Export writes the share copy of a Daily into dir: a dated markdown log
// plus a standalone HTML rendering. File names use the compact date form
// (yyyymmdd_log.md) that sorts cleanly in a shared folder.
func Export(d *Daily, dir string) (mdPath, htmlPath string, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("report: create export dir: %w", err)
	}

	stem := strings.ReplaceAll(d.Date, "-", "") + "_log"
	md := Markdown(d)

	mdPath = filepath.Join(dir, stem+".md")
	if err := os.WriteFile(mdPath, []byte(md), 0o600); err != nil {
		return "", "", fmt.Errorf("report: write export markdown: %w", err)
	}

	html, err := renderHTML(d, md)
	if err != nil {
		return "", "", err
	}
	htmlPath = filepath.Join(dir, stem+".html")
	if err := os.WriteFile(htmlPath, html, 0o600); err != nil {
		return "", "", fmt.Errorf("report: write export html: %w", err)
	}
	return mdPath, htmlPath, nil
}

func renderHTML(d *Daily, md string) ([]byte, error) {
	var body bytes.Buffer
	if err := gfm.Convert([]byte(md), &body); err != nil {
		return nil, fmt.Errorf("report: render markdown: %w", err)
	}

	var page bytes.Buffer
	err := htmlTmpl.Execute(&page, struct {
		Title string
		Body  template.HTML
	}{
		Title: "Daily Activity Report: " + d.Date,
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("report: render page: %w", err)
	}
	return page.Bytes(), nil
}
