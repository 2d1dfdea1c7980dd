package normalize

import (
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxFeatures = 6

// Facts are the values rendered into platform templates.
type Facts struct {
	Name     string
	Title    string
	Overview string
	Features []Feature
	Routes   []Route
	Port     int
}

type Feature struct {
	Title       string
	Description string
}

// Route is one generated page. Href is empty for dynamic routes.
type Route struct {
	Path  string
	Href  string
	Label string
	Group string
	Trail string
}

var (
	bulletPrefix   = regexp.MustCompile(`^\s*[-*+]\s+`)
	numberPrefix   = regexp.MustCompile(`^\d+[).\s-]+`)
	headingLine    = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*#*\s*$`)
	nonSlug        = regexp.MustCompile(`[^a-z0-9]+`)
	bracketSegment = regexp.MustCompile(`\[([^\]]*)\]`)
	wordSeparators = regexp.MustCompile(`[-_/\s]+`)
)

// NewFacts derives template facts from the project and its specification.
func NewFacts(projectID, title, brief, spec string, port int) Facts {
	f := Facts{
		Name:     PackageName(projectID),
		Title:    chooseTitle(title, brief, spec),
		Overview: overview(spec, brief),
		Features: features(spec),
		Port:     port,
	}
	return f
}

// PackageName turns a project id into an npm-safe package name.
func PackageName(projectID string) string {
	id := projectID
	if len(id) > 20 {
		id = id[:20]
	}
	name := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(id), "-"), "-")
	if name == "" {
		return "draft"
	}
	return name
}

func chooseTitle(title, brief, spec string) string {
	if t := strings.TrimSpace(title); t != "" && !strings.EqualFold(t, "untitled") {
		return t
	}
	for _, line := range strings.Split(spec, "\n") {
		if m := headingLine.FindStringSubmatch(line); m != nil && len(m[1]) == 1 && m[2] != "" {
			return m[2]
		}
	}
	for _, line := range strings.Split(brief, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return truncate(l, 80)
		}
	}
	return "Draft preview"
}

func overview(spec, brief string) string {
	for _, line := range strings.Split(section(spec, "Overview"), "\n") {
		l := strings.TrimSpace(line)
		if l == "" || bulletPrefix.MatchString(line) {
			continue
		}
		return l
	}
	return truncate(strings.Join(strings.Fields(brief), " "), 240)
}

func features(spec string) []Feature {
	body := section(spec, "Core Features")
	if body == "" {
		body = section(spec, "Features")
	}
	var out []Feature
	for _, line := range strings.Split(body, "\n") {
		if !bulletPrefix.MatchString(line) {
			continue
		}
		text := strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		text = numberPrefix.ReplaceAllString(text, "")
		text = strings.ReplaceAll(text, "**", "")
		if text == "" {
			continue
		}
		title, desc := splitFeature(text)
		if title == "" {
			title = "Feature " + strconv.Itoa(len(out)+1)
		}
		out = append(out, Feature{Title: title, Description: desc})
		if len(out) == maxFeatures {
			break
		}
	}
	return out
}

func splitFeature(text string) (string, string) {
	best := -1
	sepLen := 0
	for _, sep := range []string{":", " - ", " – ", " — "} {
		if i := strings.Index(text, sep); i >= 0 && (best < 0 || i < best) {
			best, sepLen = i, len(sep)
		}
	}
	if best < 0 {
		return text, ""
	}
	return strings.TrimSpace(text[:best]), strings.TrimSpace(text[best+sepLen:])
}

// section returns the body under a level-2 heading, up to the next level-1
// or level-2 heading.
func section(doc, heading string) string {
	lines := strings.Split(doc, "\n")
	start := -1
	for i, line := range lines {
		m := headingLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if start >= 0 && len(m[1]) <= 2 {
			return strings.Join(lines[start:i], "\n")
		}
		if start < 0 && len(m[1]) == 2 && strings.EqualFold(m[2], heading) {
			start = i + 1
		}
	}
	if start < 0 {
		return ""
	}
	return strings.Join(lines[start:], "\n")
}

// Routes derives the navigation inventory from generated app router pages.
func Routes(paths []string) []Route {
	var out []Route
	for _, p := range paths {
		if r, ok := routeFor(p); ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func routeFor(p string) (Route, bool) {
	if !strings.HasPrefix(p, "app/") || path.Base(p) != "page.tsx" {
		return Route{}, false
	}
	if p == "app/page.tsx" || p == "app/experience/page.tsx" {
		return Route{}, false
	}
	var segs []string
	dynamic := false
	for _, s := range strings.Split(path.Dir(strings.TrimPrefix(p, "app/")), "/") {
		if s == "" || s == "." || (strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")) {
			continue
		}
		if strings.HasPrefix(s, "[") {
			dynamic = true
		}
		segs = append(segs, s)
	}
	if len(segs) == 0 {
		return Route{}, false
	}
	r := Route{
		Path:  p,
		Label: Humanize(segs[len(segs)-1]),
		Group: Humanize(segs[0]),
	}
	labels := make([]string, len(segs))
	for i, s := range segs {
		labels[i] = Humanize(s)
	}
	r.Trail = strings.Join(labels, " • ")
	if !dynamic {
		r.Href = "/" + strings.Join(segs, "/")
	}
	return r, true
}

// Humanize turns a route segment such as "[walletId]" or "order-history"
// into display text.
func Humanize(slug string) string {
	s := bracketSegment.ReplaceAllString(slug, "$1")
	s = splitCamel(s)
	words := strings.Fields(wordSeparators.ReplaceAllString(s, " "))
	if len(words) == 0 {
		return "Experience"
	}
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func splitCamel(s string) string {
	var b strings.Builder
	var prev rune
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
