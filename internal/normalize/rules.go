package normalize

import (
	"encoding/json"
	"path"
	"regexp"
	"strings"

	"github.com/throw-if-null/drafthouse/internal/validator"
)

// Rule rewrites one file. Rewrite must be idempotent: applying it to its own
// output returns the output unchanged.
type Rule struct {
	Name    string
	Applies func(path string) bool
	Rewrite func(content string) string
}

// Apply runs rules over files in order and reports, per path, the names of
// the rules that changed it.
func Apply(files []File, rules []Rule) ([]File, map[string][]string) {
	applied := map[string][]string{}
	out := make([]File, len(files))
	for i, f := range files {
		content := f.Content
		for _, r := range rules {
			if r.Applies != nil && !r.Applies(f.Path) {
				continue
			}
			next := r.Rewrite(content)
			if next != content {
				applied[f.Path] = append(applied[f.Path], r.Name)
				content = next
			}
		}
		out[i] = File{Path: f.Path, Content: content}
	}
	return out, applied
}

// Rules returns the rewrite batch for a project served on port.
func (c *Catalogue) Rules(port int) []Rule {
	return []Rule{
		{Name: "strip-invisible", Applies: isText, Rewrite: stripInvisible},
		{Name: "strip-fences", Applies: func(p string) bool { return isText(p) && path.Ext(p) != ".md" }, Rewrite: stripFences},
		{Name: "import-brace-collapse", Applies: isSource, Rewrite: collapseImportBraces},
		{Name: "package-manifest", Applies: isPackageJSON, Rewrite: func(s string) string { return c.rewriteManifest(s, port) }},
		{Name: "react-query-compat", Applies: func(p string) bool { return isSource(p) && p != "lib/reactQueryCompat.ts" }, Rewrite: rewriteReactQuery},
		{Name: "preference-store", Applies: isSource, Rewrite: rewritePreferenceStore},
		{Name: "hot-toast-sonner", Applies: isSource, Rewrite: rewriteHotToast},
		{Name: "app-href-prefix", Applies: isSource, Rewrite: rewriteAppHref},
		{Name: "legacy-use-query", Applies: isSource, Rewrite: rewriteLegacyUseQuery},
		{Name: "link-legacy-behavior", Applies: isTSX, Rewrite: rewriteLegacyLink},
		{Name: "server-session-import", Applies: isSource, Rewrite: rewriteServerSession},
		{Name: "next-auth-default", Applies: isSource, Rewrite: rewriteNextAuthDefault},
		{Name: "session-optional-chaining", Applies: isSource, Rewrite: rewriteSessionUser},
		{Name: "wallet-only-signin", Applies: isSignInPage, Rewrite: rewriteSignIn},
		{Name: "client-directive", Applies: isTSX, Rewrite: rewriteClientDirective},
		{Name: "csrf-token", Applies: isSource, Rewrite: dropAwaitedCsrf},
		{Name: "polkadot-ui-imports", Applies: isSource, Rewrite: fixPolkadotImports},
		{Name: "react-hook-imports", Applies: isSource, Rewrite: rewriteHookImports},
		{Name: "implicit-any-callbacks", Applies: isTS, Rewrite: typeCallbackParams},
		{Name: "ts-css-imports", Applies: func(p string) bool { return path.Ext(p) == ".ts" }, Rewrite: dropCSSImports},
		{Name: "globals-css-path", Applies: isSource, Rewrite: fixGlobalsPath},
		{Name: "layout-globals-css", Applies: isRootLayout, Rewrite: ensureGlobalsImport},
		{Name: "brace-repair", Applies: isSource, Rewrite: repairBraces},
		{Name: "next-config", Applies: isNextConfig, Rewrite: c.rewriteNextConfig},
		{Name: "tsconfig", Applies: isTSConfig, Rewrite: rewriteTSConfig},
		{Name: "trailing-newline", Applies: isText, Rewrite: ensureTrailingNewline},
	}
}

func isSource(p string) bool {
	switch path.Ext(p) {
	case ".ts", ".tsx", ".js", ".jsx", ".mjs":
		return !isNextConfig(p)
	}
	return false
}

func isTSX(p string) bool { return strings.HasSuffix(p, ".tsx") }

func isText(p string) bool {
	switch path.Ext(p) {
	case ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".json", ".css", ".md", ".html":
		return true
	}
	return false
}

func isPackageJSON(p string) bool { return path.Base(p) == "package.json" }
func isNextConfig(p string) bool  { return strings.HasPrefix(path.Base(p), "next.config.") }
func isTSConfig(p string) bool    { return path.Base(p) == "tsconfig.json" }
func isSignInPage(p string) bool  { return isTSX(p) && strings.Contains("/"+p, "/signin/") }

var fenceLine = regexp.MustCompile("(?m)^[ \t]*```[\\w.+-]*[ \t]*\r?\n?")

func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	return fenceLine.ReplaceAllString(s, "")
}

var reactQueryImport = regexp.MustCompile(`import\s+([^;'"]+?)\s+from\s+['"]@tanstack/react-query['"];?`)

// rewriteReactQuery routes useQuery through the compatibility wrapper that
// accepts the v4 positional call shape.
func rewriteReactQuery(s string) string {
	return reactQueryImport.ReplaceAllStringFunc(s, func(m string) string {
		clause := strings.TrimSpace(reactQueryImport.FindStringSubmatch(m)[1])
		if strings.HasPrefix(clause, "type ") || strings.HasPrefix(clause, "*") {
			return m
		}
		lb, rb := strings.Index(clause, "{"), strings.LastIndex(clause, "}")
		if lb < 0 || rb < lb {
			return m
		}
		var keep, compat []string
		for _, spec := range strings.Split(clause[lb+1:rb], ",") {
			spec = strings.TrimSpace(spec)
			if spec == "" {
				continue
			}
			if importedName(spec) == "useQuery" && !strings.HasPrefix(spec, "type ") {
				compat = append(compat, spec)
				continue
			}
			keep = append(keep, spec)
		}
		if len(compat) == 0 {
			return m
		}
		var lines []string
		prefix := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(clause[:lb]), ","))
		if len(keep) > 0 || prefix != "" {
			var parts []string
			if prefix != "" {
				parts = append(parts, prefix)
			}
			if len(keep) > 0 {
				parts = append(parts, "{ "+strings.Join(keep, ", ")+" }")
			}
			lines = append(lines, "import "+strings.Join(parts, ", ")+" from '@tanstack/react-query';")
		}
		lines = append(lines, "import { "+strings.Join(compat, ", ")+" } from '@/lib/reactQueryCompat';")
		return strings.Join(lines, "\n")
	})
}

// importedName returns the exported name of an import specifier such as
// "useQuery as q" or "type Foo".
func importedName(spec string) string {
	spec = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(spec), "type "))
	if i := strings.Index(spec, " as "); i >= 0 {
		spec = spec[:i]
	}
	return strings.TrimSpace(spec)
}

// localName returns the binding introduced by an import specifier.
func localName(spec string) string {
	spec = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(spec), "type "))
	if i := strings.Index(spec, " as "); i >= 0 {
		return strings.TrimSpace(spec[i+4:])
	}
	return spec
}

var preferenceStoreImport = regexp.MustCompile(`(['"])@/lib/store(?:/(?:preferenceStore|usePreference|preference|usePreferenceStore|PreferenceStore))?(['"])`)

func rewritePreferenceStore(s string) string {
	return preferenceStoreImport.ReplaceAllString(s, "${1}@/hooks/usePreferenceStore${2}")
}

var hotToastImport = regexp.MustCompile(`import\s+(?:(\w+)\s*,?\s*)?(?:\{([^}]*)\}\s*)?from\s+['"]react-hot-toast['"];?`)

// rewriteHotToast moves value imports to sonner. Type-only imports have no
// sonner equivalent and are left as they are.
func rewriteHotToast(s string) string {
	return hotToastImport.ReplaceAllStringFunc(s, func(m string) string {
		sm := hotToastImport.FindStringSubmatch(m)
		if sm[1] == "type" {
			return m
		}
		names := []string{"toast"}
		seen := map[string]bool{"toast": true}
		for _, spec := range strings.Split(sm[2], ",") {
			spec = strings.TrimSpace(spec)
			name := importedName(spec)
			if name == "" || (seen[name] && spec == name) {
				continue
			}
			seen[name] = true
			names = append(names, spec)
		}
		if sm[1] != "" && sm[1] != "toast" {
			names = append(names, "toast as "+sm[1])
		}
		return "import { " + strings.Join(names, ", ") + " } from 'sonner';"
	})
}

var appHref = regexp.MustCompile(`href\s*=\s*(["'{]\s*["'` + "`" + `]?)(?:/app)+/`)

func rewriteAppHref(s string) string {
	return appHref.ReplaceAllString(s, "href=${1}/")
}

// useQuery<T>(['key'], fetcher). Calls with a third options argument are
// served by the compatibility wrapper as they are.
var legacyUseQuery = regexp.MustCompile(`\buseQuery(<[^>()]*>)?\(\s*(\[[^\]]*\])\s*,\s*([A-Za-z_$][\w$]*(?:\.[A-Za-z_$][\w$]*)*)\s*\)`)

func rewriteLegacyUseQuery(s string) string {
	return legacyUseQuery.ReplaceAllString(s, "useQuery${1}({ queryKey: ${2}, queryFn: ${3} })")
}

var (
	linkBlock  = regexp.MustCompile(`<Link(\s[^>]*)?>([\s\S]*?)</Link>`)
	anchorOpen = regexp.MustCompile(`(?i)<a[\s>]`)
)

func rewriteLegacyLink(s string) string {
	return linkBlock.ReplaceAllStringFunc(s, func(m string) string {
		sm := linkBlock.FindStringSubmatch(m)
		attrs := sm[1]
		if strings.HasSuffix(strings.TrimSpace(attrs), "/") || strings.Count(attrs, "{") != strings.Count(attrs, "}") {
			return m
		}
		if strings.Contains(attrs, "legacyBehavior") || !anchorOpen.MatchString(sm[2]) {
			return m
		}
		return "<Link" + strings.TrimRight(attrs, " \t\n") + " legacyBehavior>" + sm[2] + "</Link>"
	})
}

var (
	serverSessionImport = regexp.MustCompile(`import\s*\{\s*(?:getServerSession|auth)\s*\}\s*from\s*['"]next-auth(?:/react)?['"];?`)
	authCall            = regexp.MustCompile(`\bawait\s+auth\(\s*\)`)
	nextAuthNamed       = regexp.MustCompile(`import\s*\{\s*NextAuth\s*\}\s*from\s*['"]next-auth['"];?`)
)

func rewriteServerSession(s string) string {
	if !serverSessionImport.MatchString(s) {
		return s
	}
	s = serverSessionImport.ReplaceAllString(s, "import { getServerSession } from 'next-auth/next';")
	return authCall.ReplaceAllString(s, "await getServerSession()")
}

func rewriteNextAuthDefault(s string) string {
	return nextAuthNamed.ReplaceAllString(s, "import NextAuth from 'next-auth';")
}

var sessionUser = regexp.MustCompile(`\bsession\.(user\w*)(\.)?`)

func rewriteSessionUser(s string) string {
	return sessionUser.ReplaceAllStringFunc(s, func(m string) string {
		sm := sessionUser.FindStringSubmatch(m)
		out := "session?." + sm[1]
		if sm[2] != "" {
			out += "?."
		}
		return out
	})
}

var (
	signInWidgetLine = regexp.MustCompile(`(?m)^[ \t]*(?:import\b[^\n]*\b(?:GoogleSignInButton|CredentialsSignInForm)\b[^\n]*|<(?:GoogleSignInButton|CredentialsSignInForm)\b[^>\n]*/>[ \t]*)\r?\n?`)
	googleSignIn     = regexp.MustCompile(`\bsignIn\(\s*['"]google['"][^)]*\)`)
	signUpLink       = regexp.MustCompile(`(?s)<Link[^>]*href=["']/signup["'][^>]*>.*?</Link>`)
	formBlock        = regexp.MustCompile(`(?s)<form\b.*?</form>`)
)

// rewriteSignIn strips email, password and social flows from sign-in pages.
// Wallet connection is the only supported sign in.
func rewriteSignIn(s string) string {
	s = signInWidgetLine.ReplaceAllString(s, "")
	s = googleSignIn.ReplaceAllString(s, "void 0")
	s = signUpLink.ReplaceAllString(s, "")
	return formBlock.ReplaceAllStringFunc(s, func(m string) string {
		if strings.Contains(m, "password") && strings.Contains(m, "email") {
			return ""
		}
		return m
	})
}

var asyncDefaultExport = regexp.MustCompile(`export\s+default\s+async\s+function`)

func rewriteClientDirective(s string) string {
	if !validator.UsesClientAPIs(s) {
		return s
	}
	if !validator.HasClientDirective(s) {
		s = "'use client'\n\n" + strings.TrimLeft(s, "\r\n")
	}
	return asyncDefaultExport.ReplaceAllString(s, "export default function")
}

var (
	reactHooks       = []string{"useState", "useEffect", "useMemo", "useCallback", "useRef", "useContext", "useReducer", "useLayoutEffect", "useTransition", "useId"}
	hookCall         = regexp.MustCompile(`(?:^|[^.\w$])(useState|useEffect|useMemo|useCallback|useRef|useContext|useReducer|useLayoutEffect|useTransition|useId)\s*[<(]`)
	reactNamedImport = regexp.MustCompile(`import\s+(?:(\w+)\s*,\s*)?\{([^}]*)\}\s*from\s*['"]react['"];?`)
	namedImports     = regexp.MustCompile(`import\s+(?:type\s+)?(?:\w+\s*,\s*)?\{([^}]*)\}\s*from`)
	reactDefault     = regexp.MustCompile(`import\s+(\w+)\s+from\s*['"]react['"];?`)
	localHookDecl    = map[string]*regexp.Regexp{}
)

func init() {
	for _, h := range reactHooks {
		localHookDecl[h] = regexp.MustCompile(`(?:function|const|let|var)\s+` + h + `\b`)
	}
}

func rewriteHookImports(s string) string {
	used := map[string]bool{}
	for _, m := range hookCall.FindAllStringSubmatch(s, -1) {
		used[m[1]] = true
	}
	if len(used) == 0 {
		return s
	}
	imported := map[string]bool{}
	for _, m := range namedImports.FindAllStringSubmatch(s, -1) {
		for _, spec := range strings.Split(m[1], ",") {
			imported[localName(spec)] = true
		}
	}
	var missing []string
	for _, h := range reactHooks {
		if !used[h] || imported[h] {
			continue
		}
		if localHookDecl[h].MatchString(s) {
			continue
		}
		missing = append(missing, h)
	}
	if len(missing) == 0 {
		return s
	}

	if loc := reactNamedImport.FindStringSubmatchIndex(s); loc != nil {
		var specs []string
		for _, spec := range strings.Split(s[loc[4]:loc[5]], ",") {
			if spec = strings.TrimSpace(spec); spec != "" {
				specs = append(specs, spec)
			}
		}
		specs = append(specs, missing...)
		head := "import "
		if loc[2] >= 0 {
			head += s[loc[2]:loc[3]] + ", "
		}
		return s[:loc[0]] + head + "{ " + strings.Join(specs, ", ") + " } from 'react';" + s[loc[1]:]
	}
	if loc := reactDefault.FindStringSubmatchIndex(s); loc != nil {
		return s[:loc[0]] + "import " + s[loc[2]:loc[3]] + ", { " + strings.Join(missing, ", ") + " } from 'react';" + s[loc[1]:]
	}

	stmt := "import { " + strings.Join(missing, ", ") + " } from 'react';\n"
	return insertAfterDirective(s, stmt)
}

// insertAfterDirective places stmt after a leading "use client" line, or at
// the top of modules without one.
func insertAfterDirective(s, stmt string) string {
	if end := validator.ClientDirectiveEnd(s); end >= 0 {
		if s[end-1] != '\n' {
			stmt = "\n" + stmt
		}
		return s[:end] + stmt + s[end:]
	}
	return stmt + s
}

const maxBraceRepair = 8

// repairBraces closes a truncated module by appending the missing braces.
// Inputs ending inside a template literal or comment are left alone.
func repairBraces(s string) string {
	b := validator.Scan(s)
	if b.Open || b.Braces <= 0 || b.Braces > maxBraceRepair {
		return s
	}
	return strings.TrimRight(s, "\r\n") + "\n" + strings.Repeat("}\n", b.Braces)
}

func ensureTrailingNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

var (
	deprecatedKey    = regexp.MustCompile(`\b(?:appDir|serverActions)\s*:`)
	experimentalKey  = regexp.MustCompile(`\bexperimental\s*:`)
	outputKey        = regexp.MustCompile(`\boutput\s*:\s*['"][^'"]*['"]`)
	configObjectOpen = regexp.MustCompile(`(?:const\s+\w+(?:\s*:\s*[\w.]+)?\s*=\s*\{|module\.exports\s*=\s*\{|export\s+default\s*\{)`)
)

// rewriteNextConfig drops keys Next 14 rejects and forces standalone output.
// Configs written against a wrapper such as defineConfig are replaced by the
// platform default.
func (c *Catalogue) rewriteNextConfig(s string) string {
	if strings.Contains(s, "defineConfig") {
		if def, err := c.Template("next.config.mjs"); err == nil {
			return def
		}
	}
	s = removeKeys(s, deprecatedKey, nil)
	s = removeKeys(s, experimentalKey, func(v string) bool {
		return strings.Join(strings.Fields(v), "") == "{}"
	})
	if outputKey.MatchString(s) {
		return outputKey.ReplaceAllString(s, "output: 'standalone'")
	}
	loc := configObjectOpen.FindStringIndex(s)
	if loc == nil {
		return s
	}
	rest := s[loc[1]:]
	if t := strings.TrimLeft(rest, " \t"); strings.HasPrefix(t, "\n") || strings.HasPrefix(t, "\r\n") {
		nl := len(rest) - len(t) + strings.IndexByte(t, '\n') + 1
		return s[:loc[1]+nl] + "  output: 'standalone',\n" + rest[nl:]
	}
	return s[:loc[1]] + " output: 'standalone'," + rest
}

// removeKeys deletes every object property whose key matches key, including
// its value, trailing comma and, when the property had a line to itself,
// that line. drop, when set, decides from the trimmed value text.
func removeKeys(s string, key *regexp.Regexp, drop func(value string) bool) string {
	for from := 0; from < len(s); {
		loc := key.FindStringIndex(s[from:])
		if loc == nil {
			break
		}
		k, vs := from+loc[0], from+loc[1]
		e := valueEnd(s, vs)
		if drop != nil && !drop(strings.TrimSpace(s[vs:e])) {
			from = vs
			continue
		}
		start, end := k, e
		if end < len(s) && s[end] == ',' {
			end++
		}
		for end < len(s) && (s[end] == ' ' || s[end] == '\t') {
			end++
		}
		ls := strings.LastIndexByte(s[:k], '\n') + 1
		if strings.TrimSpace(s[ls:k]) == "" && (end == len(s) || s[end] == '\n' || s[end] == '\r') {
			start = ls
			if end < len(s) && s[end] == '\r' {
				end++
			}
			if end < len(s) && s[end] == '\n' {
				end++
			}
		}
		s = s[:start] + s[end:]
		from = start
	}
	return s
}

// valueEnd returns the index of the ',', newline or closing bracket that ends
// the property value starting at i.
func valueEnd(s string, i int) int {
	depth := 0
	var quote byte
	for ; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '{', '[', '(':
			depth++
		case '}', ']', ')':
			if depth == 0 {
				return i
			}
			depth--
		case ',', '\n':
			if depth == 0 {
				return i
			}
		}
	}
	return i
}

// rewriteTSConfig adds the @/* alias, baseUrl and skipLibCheck when missing.
// Files that are not plain JSON (tsconfig allows comments) are left alone.
func rewriteTSConfig(s string) string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return s
	}
	opts, _ := doc["compilerOptions"].(map[string]any)
	if opts == nil {
		opts = map[string]any{}
	}
	changed := false
	if _, ok := opts["baseUrl"]; !ok {
		opts["baseUrl"] = "."
		changed = true
	}
	if v, ok := opts["skipLibCheck"].(bool); !ok || !v {
		opts["skipLibCheck"] = true
		changed = true
	}
	paths, _ := opts["paths"].(map[string]any)
	if paths == nil {
		paths = map[string]any{}
	}
	if _, ok := paths["@/*"]; !ok {
		paths["@/*"] = []any{"./*"}
		opts["paths"] = paths
		changed = true
	}
	if !changed {
		return s
	}
	doc["compilerOptions"] = opts
	return encodeJSON(doc)
}
