// Package web embeds the chat page template.
package web

import (
	"embed"
	"html/template"
	"io"
)

//go:embed templates/*.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// PageData is rendered into the chat page.
type PageData struct {
	ShowFeedback bool
}

// RenderIndex writes the chat page.
func RenderIndex(w io.Writer, data PageData) error {
	return indexTemplate.Execute(w, data)
}
