// Package normalize turns generated source files into a workspace the
// platform can serve: owned files come from embedded templates, excluded
// subsystems are dropped, and a batch of idempotent rewrites repairs the
// defects generators are known to produce.
package normalize

import (
	"path"
	"sort"
	"strings"

	"github.com/throw-if-null/drafthouse/internal/api"
	"github.com/throw-if-null/drafthouse/internal/depcache"
	"github.com/throw-if-null/drafthouse/internal/gen"
	"github.com/throw-if-null/drafthouse/internal/paths"
)

type File = api.File

// Result is a prepared workspace file set.
type Result struct {
	Files    []File
	Manifest depcache.Manifest
	// Dropped maps each discarded generated path to the reason.
	Dropped map[string]string
	// Applied maps each path to the rules that rewrote it.
	Applied map[string][]string
	Facts   Facts
}

const defaultLayout = `import type { ReactNode } from 'react'

export default function RootLayout({ children }: { children: ReactNode }) {
  return (
    <html lang="en">
      <body>{children}</body>
    </html>
  )
}
`

// Prepare normalizes files with the embedded catalogue.
func Prepare(files []File, facts Facts) (Result, error) {
	cat, err := DefaultCatalogue()
	if err != nil {
		return Result{}, err
	}
	return cat.Prepare(files, facts)
}

// Prepare normalizes generated files against the catalogue. facts.Routes is
// filled from the generated pages.
func (c *Catalogue) Prepare(files []File, facts Facts) (Result, error) {
	res := Result{Dropped: map[string]string{}}

	var generatedManifest string
	byPath := map[string]int{}
	var kept []File
	for _, f := range ExpandBundles(files) {
		p := paths.CleanRelative(f.Path)
		if p == "" {
			res.Dropped[f.Path] = "invalid path"
			continue
		}
		if p == "package.json" {
			generatedManifest = f.Content
			res.Dropped[p] = "merged into platform manifest"
			continue
		}
		if c.IsOwned(p) {
			res.Dropped[p] = "platform-owned"
			continue
		}
		if reason := c.ExcludedReason(p); reason != "" {
			res.Dropped[p] = reason
			continue
		}
		if i, ok := byPath[p]; ok {
			kept[i].Content = f.Content
			continue
		}
		byPath[p] = len(kept)
		kept = append(kept, File{Path: p, Content: f.Content})
	}

	generatedPaths := make([]string, 0, len(kept))
	for _, f := range kept {
		generatedPaths = append(generatedPaths, f.Path)
	}
	facts.Routes = Routes(generatedPaths)
	res.Facts = facts

	owned, err := c.Render(facts)
	if err != nil {
		return Result{}, err
	}
	if generatedManifest != "" {
		for i := range owned {
			if owned[i].Path == "package.json" {
				owned[i].Content = c.mergeManifest(owned[i].Content, generatedManifest)
			}
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Path < kept[j].Path })
	all := append(owned, kept...)
	all = ensureLayout(all)

	all, res.Applied = Apply(all, c.Rules(facts.Port))
	res.Files = all
	for _, f := range all {
		if f.Path == "package.json" {
			res.Manifest = ManifestOf(f.Content)
		}
	}
	return res, nil
}

func ensureLayout(files []File) []File {
	for _, f := range files {
		if f.Path == "app/layout.tsx" {
			return files
		}
	}
	return append(files, File{Path: "app/layout.tsx", Content: defaultLayout})
}

// ExpandBundles replaces aggregated bundles (code.json or code.txt holding a
// {"files": [...]} document) with the files they contain. Bundles that do
// not parse are kept as they are.
func ExpandBundles(files []File) []File {
	var out []File
	for _, f := range files {
		base := strings.ToLower(path.Base(f.Path))
		if base != "code.txt" && base != "code.json" {
			out = append(out, f)
			continue
		}
		inner, err := gen.ExtractManifest(f.Content)
		if err != nil || len(inner) == 0 {
			out = append(out, f)
			continue
		}
		out = append(out, inner...)
	}
	return out
}
