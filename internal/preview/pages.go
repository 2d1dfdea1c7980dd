package preview

import (
	"html/template"
	"sort"
	"strings"
)

var summaryTmpl = template.Must(template.New("summary").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="10">
<title>{{.Title}} · preview unavailable</title>
<style>
body{font-family:system-ui,sans-serif;background:#0b0b12;color:#e6e6f0;margin:0;padding:3rem}
main{max-width:46rem;margin:0 auto}
code{color:#c9a8ff}
li{margin:.2rem 0}
.muted{color:#8a8aa3}
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
<p class="muted">The live preview is not responding yet. These files were generated for this draft:</p>
<ul>
{{range .Paths}}<li><code>{{.}}</code></li>
{{end}}</ul>
<p class="muted">This page refreshes automatically.</p>
</main>
</body>
</html>
`))

var placeholderTmpl = template.Must(template.New("placeholder").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>Building preview…</title>
<style>
body{font-family:system-ui,sans-serif;background:#0b0b12;color:#e6e6f0;display:flex;align-items:center;justify-content:center;height:100vh;margin:0}
</style>
</head>
<body>
<div>
<h1>Building preview…</h1>
<p>{{if .Detail}}{{.Detail}}{{else}}Your draft is being prepared. This page refreshes automatically.{{end}}</p>
</div>
</body>
</html>
`))

type summaryData struct {
	Title string
	Paths []string
}

// summaryPaths lists generated paths worth showing, skipping bundles and
// dependency manifests.
func summaryPaths(paths []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range paths {
		if p == "" || seen[p] || p == "code.txt" || p == "code.json" || strings.HasSuffix(p, "package.json") {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
