// Package runbooks loads operational runbooks and ranks them against error text.
package runbooks

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Document is one runbook section.
type Document struct {
	ID      string
	Title   string
	Source  string
	Content string
}

// LoadDir reads every *.md file in dir and splits each into sections at level-two headings.
// A missing directory yields no documents.
func LoadDir(dir string) ([]Document, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runbook dir: %w", err)
	}

	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read runbook %s: %w", entry.Name(), err)
		}
		docs = append(docs, Parse(entry.Name(), string(data))...)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Parse splits markdown into sections. Text before the first "## " heading belongs to a section
// titled after the document's "# " heading, or after the file name.
func Parse(filename, markdown string) []Document {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	title := titleFromFilename(base)

	var (
		docs    []Document
		section = title
		body    strings.Builder
		index   int
	)
	flush := func() {
		content := strings.TrimSpace(body.String())
		body.Reset()
		if content == "" {
			return
		}
		docs = append(docs, Document{
			ID:      fmt.Sprintf("%s#%d", base, index),
			Title:   section,
			Source:  filename,
			Content: content,
		})
		index++
	}

	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "## "):
			flush()
			section = title + ": " + strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))
		case strings.HasPrefix(trimmed, "# ") && index == 0 && body.Len() == 0:
			title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			section = title
		default:
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	flush()
	return docs
}

func titleFromFilename(base string) string {
	words := strings.FieldsFunc(base, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
