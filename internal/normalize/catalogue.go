package normalize

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed templates
var templateFS embed.FS

type ownedEntry struct {
	Path   string `yaml:"path"`
	Render bool   `yaml:"render"`
}

type exclusion struct {
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

type pinSet struct {
	Dependencies    map[string]string `yaml:"dependencies"`
	DevDependencies map[string]string `yaml:"devDependencies"`
}

// Catalogue describes the platform-owned files and the package policy
// applied to every generated project.
type Catalogue struct {
	Owned    []ownedEntry `yaml:"owned"`
	Excluded []exclusion  `yaml:"excluded"`
	Pinned   pinSet       `yaml:"pinned"`
	Banned   []string     `yaml:"banned"`
}

var (
	catalogueOnce sync.Once
	catalogue     *Catalogue
	catalogueErr  error
)

// DefaultCatalogue returns the embedded catalogue.
func DefaultCatalogue() (*Catalogue, error) {
	catalogueOnce.Do(func() {
		b, err := templateFS.ReadFile("templates/catalogue.yaml")
		if err != nil {
			catalogueErr = err
			return
		}
		var c Catalogue
		if err := yaml.Unmarshal(b, &c); err != nil {
			catalogueErr = fmt.Errorf("parse catalogue: %w", err)
			return
		}
		catalogue = &c
	})
	return catalogue, catalogueErr
}

// IsOwned reports whether a generated path collides with a platform-owned
// file. A nested copy such as "src/app/layout.tsx" counts as a collision.
func (c *Catalogue) IsOwned(p string) bool {
	for _, o := range c.Owned {
		if p == o.Path || strings.HasSuffix(p, "/"+o.Path) {
			return true
		}
	}
	return false
}

// ExcludedReason returns the reason a generated path is dropped, or "".
func (c *Catalogue) ExcludedReason(p string) string {
	anchored := "/" + p
	for _, e := range c.Excluded {
		pat := e.Pattern
		if strings.HasSuffix(pat, "/") && !strings.HasPrefix(pat, "/") {
			// directory prefix anchored at any path segment
			if strings.HasPrefix(p, pat) || strings.Contains(anchored, "/"+pat) {
				return e.Reason
			}
			continue
		}
		if strings.Contains(anchored, pat) || path.Base(p) == pat {
			return e.Reason
		}
	}
	return ""
}

// IsBanned reports whether a package is removed from generated manifests.
func (c *Catalogue) IsBanned(name string) bool {
	for _, b := range c.Banned {
		if b == name {
			return true
		}
	}
	return false
}

// Template returns the raw template content for an owned path.
func (c *Catalogue) Template(p string) (string, error) {
	b, err := fs.ReadFile(templateFS, "templates/files/"+p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var funcs = template.FuncMap{
	// ts quotes a value as a JSON string, which is also a valid TS/JS literal.
	"ts": func(s string) (string, error) {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(s); err != nil {
			return "", err
		}
		return strings.TrimRight(buf.String(), "\n"), nil
	},
}

// Render produces every owned file for facts, in catalogue order.
func (c *Catalogue) Render(facts Facts) ([]File, error) {
	out := make([]File, 0, len(c.Owned))
	for _, o := range c.Owned {
		raw, err := c.Template(o.Path)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", o.Path, err)
		}
		if !o.Render {
			out = append(out, File{Path: o.Path, Content: raw})
			continue
		}
		tmpl, err := template.New(o.Path).Delims("[[", "]]").Funcs(funcs).Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", o.Path, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, facts); err != nil {
			return nil, fmt.Errorf("render template %s: %w", o.Path, err)
		}
		out = append(out, File{Path: o.Path, Content: buf.String()})
	}
	return out, nil
}
