// Package template resolves a template key and placeholder data into
// final message content. Rendering happens at send time, so jobs queued
// before a template change pick up the new definition.
package template

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	texttemplate "text/template"
)

// Rendered is the final content handed to the SMTP layer.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer turns a template key and placeholder values into a message.
type Renderer interface {
	Render(key string, data map[string]string) (Rendered, error)
}

// FileRenderer renders templates from a directory:
//
//	<key>.html     HTML body (required)
//	<key>.subject  subject line (optional)
//	<key>.txt      plain-text alternative (optional)
//
// Files are parsed on every call so edits take effect without restart.
type FileRenderer struct {
	Dir string
}

func NewFileRenderer(dir string) *FileRenderer {
	return &FileRenderer{Dir: dir}
}

func (r *FileRenderer) Render(key string, data map[string]string) (Rendered, error) {
	if key == "" || key != filepath.Base(key) {
		return Rendered{}, fmt.Errorf("template: invalid key %q", key)
	}

	htmlPath := filepath.Join(r.Dir, key+".html")
	tmpl, err := template.ParseFiles(htmlPath)
	if err != nil {
		return Rendered{}, fmt.Errorf("template: parse %s: %w", key, err)
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return Rendered{}, fmt.Errorf("template: execute %s: %w", key, err)
	}

	out := Rendered{HTML: body.String()}

	subject, ok, err := r.renderText(key+".subject", data)
	if err != nil {
		return Rendered{}, err
	}
	if ok {
		out.Subject = strings.TrimSpace(subject)
	}

	text, ok, err := r.renderText(key+".txt", data)
	if err != nil {
		return Rendered{}, err
	}
	if ok {
		out.Text = text
	}

	return out, nil
}

func (r *FileRenderer) renderText(name string, data map[string]string) (string, bool, error) {
	path := filepath.Join(r.Dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", false, nil
	}
	tmpl, err := texttemplate.ParseFiles(path)
	if err != nil {
		return "", false, fmt.Errorf("template: parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", false, fmt.Errorf("template: execute %s: %w", name, err)
	}
	return buf.String(), true, nil
}
