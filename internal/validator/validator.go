// Package validator scans generated files for known defect patterns. It
// never mutates input and performs no I/O.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/throw-if-null/drafthouse/internal/api"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Category string

const (
	CategoryPackageName      Category = "package_name_typo"
	CategoryPackageVersion   Category = "package_version"
	CategoryNullSafety       Category = "null_safety"
	CategoryBannedImport     Category = "banned_import"
	CategoryClientDirective  Category = "client_directive"
	CategorySyntax           Category = "syntax_error"
	CategoryMarkdownFence    Category = "markdown_fence"
	CategoryDeprecatedConfig Category = "deprecated_config"
	CategoryConfigFormat     Category = "config_format"
)

type Finding struct {
	File     string   `json:"file"`
	Line     int      `json:"line,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Category Category `json:"category"`
	Fix      string   `json:"fix,omitempty"`
}

func (f Finding) String() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", f.File, f.Line, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.File, f.Message)
}

// Client-only APIs that require a "use client" directive in a .tsx module.
var clientMarkers = []string{"useState", "useEffect", "useRouter", "useSearchParams", "onClick", "onChange"}

var (
	bannedAuthImport = regexp.MustCompile(`import\s*\{\s*auth\s*\}\s*from\s*['"]next-auth['"]`)
	deprecatedKeys   = regexp.MustCompile(`\b(appDir|serverActions)\s*:`)
	standaloneOutput = regexp.MustCompile(`output\s*:\s*['"]standalone['"]`)
	badAPIMajor      = regexp.MustCompile(`^[~^]?(13|16)\.`)
	skipLibCheckOff  = regexp.MustCompile(`"skipLibCheck"\s*:\s*false`)
)

// Validate checks every file in order and returns all findings.
func Validate(files []api.File) []Finding {
	var out []Finding
	for _, f := range files {
		out = append(out, ValidateFile(f.Path, f.Content)...)
	}
	return out
}

// ValidateFile checks one file.
func ValidateFile(path, content string) []Finding {
	var out []Finding
	base := path[strings.LastIndex(path, "/")+1:]
	switch {
	case base == "package.json":
		out = append(out, checkPackageJSON(path, content)...)
	case strings.HasSuffix(path, ".ts") || strings.HasSuffix(path, ".tsx"):
		out = append(out, checkSource(path, content)...)
	}
	if strings.HasPrefix(base, "next.config") {
		out = append(out, checkNextConfig(path, content)...)
	}
	if strings.HasPrefix(base, "tsconfig") && strings.HasSuffix(base, ".json") {
		out = append(out, checkTSConfig(path, content)...)
	}
	return out
}

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func checkPackageJSON(path, content string) []Finding {
	var pkg packageJSON
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return []Finding{{File: path, Message: "invalid JSON: " + err.Error(), Severity: SeverityError, Category: CategorySyntax}}
	}
	var out []Finding
	if _, ok := pkg.Dependencies["@polkadot/extensions-dapp"]; ok {
		out = append(out, Finding{
			File:     path,
			Message:  "package name typo: @polkadot/extensions-dapp should be @polkadot/extension-dapp",
			Severity: SeverityError,
			Category: CategoryPackageName,
			Fix:      "replace @polkadot/extensions-dapp with @polkadot/extension-dapp",
		})
	}
	if _, ok := pkg.DevDependencies["@types/next-auth"]; ok {
		out = append(out, Finding{
			File:     path,
			Message:  "@types/next-auth does not exist; next-auth ships its own types",
			Severity: SeverityError,
			Category: CategoryBannedImport,
			Fix:      "remove @types/next-auth from devDependencies",
		})
	}
	if v, ok := pkg.Dependencies["@polkadot/api"]; ok && badAPIMajor.MatchString(strings.TrimSpace(v)) {
		out = append(out, Finding{
			File:     path,
			Message:  fmt.Sprintf("invalid version for @polkadot/api: %s should be ^10.13.1", v),
			Severity: SeverityError,
			Category: CategoryPackageVersion,
			Fix:      "change @polkadot/api version to ^10.13.1",
		})
	}
	return out
}

func checkSource(path, content string) []Finding {
	var out []Finding
	if strings.Contains(content, "```") {
		out = append(out, Finding{
			File:     path,
			Message:  "contains markdown code fences",
			Severity: SeverityError,
			Category: CategoryMarkdownFence,
			Fix:      "remove markdown code fences",
		})
	}
	for i, line := range strings.Split(content, "\n") {
		if strings.Contains(line, "session.user") {
			out = append(out, Finding{
				File:     path,
				Line:     i + 1,
				Message:  "session.user accessed without optional chaining",
				Severity: SeverityError,
				Category: CategoryNullSafety,
				Fix:      "use session?.user?.property",
			})
		}
	}
	if strings.HasSuffix(path, ".tsx") && UsesClientAPIs(content) && !HasClientDirective(content) {
		out = append(out, Finding{
			File:     path,
			Message:  `missing "use client" directive`,
			Severity: SeverityWarning,
			Category: CategoryClientDirective,
			Fix:      `add "use client" at the top of the file`,
		})
	}
	if bannedAuthImport.MatchString(content) {
		out = append(out, Finding{
			File:     path,
			Message:  "next-auth does not export auth",
			Severity: SeverityError,
			Category: CategoryBannedImport,
			Fix:      "import { getServerSession } from 'next-auth/next'",
		})
	}
	bal := Scan(content)
	if bal.Braces != 0 {
		out = append(out, Finding{
			File:     path,
			Message:  fmt.Sprintf("unbalanced braces (%+d)", bal.Braces),
			Severity: SeverityWarning,
			Category: CategorySyntax,
		})
	}
	if bal.Parens != 0 {
		out = append(out, Finding{
			File:     path,
			Message:  fmt.Sprintf("unbalanced parentheses (%+d)", bal.Parens),
			Severity: SeverityWarning,
			Category: CategorySyntax,
		})
	}
	return out
}

func checkNextConfig(path, content string) []Finding {
	var out []Finding
	if m := deprecatedKeys.FindStringSubmatch(content); m != nil {
		out = append(out, Finding{
			File:     path,
			Message:  "deprecated experimental option " + m[1],
			Severity: SeverityError,
			Category: CategoryDeprecatedConfig,
			Fix:      "remove experimental.appDir and experimental.serverActions",
		})
	}
	if !standaloneOutput.MatchString(content) {
		out = append(out, Finding{
			File:     path,
			Message:  "missing output: 'standalone'",
			Severity: SeverityWarning,
			Category: CategoryConfigFormat,
			Fix:      "add output: 'standalone'",
		})
	}
	return out
}

func checkTSConfig(path, content string) []Finding {
	var out []Finding
	if !strings.Contains(content, `"paths"`) || !strings.Contains(content, `"@/*"`) {
		out = append(out, Finding{
			File:     path,
			Message:  "missing @/* path alias",
			Severity: SeverityError,
			Category: CategoryConfigFormat,
			Fix:      `add "paths": {"@/*": ["./*"]} to compilerOptions`,
		})
	}
	if !strings.Contains(content, "skipLibCheck") || skipLibCheckOff.MatchString(content) {
		out = append(out, Finding{
			File:     path,
			Message:  "skipLibCheck missing or disabled",
			Severity: SeverityWarning,
			Category: CategoryConfigFormat,
			Fix:      "set skipLibCheck: true",
		})
	}
	return out
}

// UsesClientAPIs reports whether a module references client-only hooks or
// event handler props.
func UsesClientAPIs(content string) bool {
	for _, m := range clientMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}
	return false
}

var directiveLine = regexp.MustCompile(`^['"]use client['"];?[^\n]*\n?`)

// HasClientDirective reports whether content starts with a "use client"
// directive. Comments before it are allowed.
func HasClientDirective(content string) bool {
	return ClientDirectiveEnd(content) >= 0
}

// ClientDirectiveEnd returns the offset just past the leading "use client"
// line, or -1 when the module has no directive.
func ClientDirectiveEnd(content string) int {
	code := skipLeadingComments(content)
	loc := directiveLine.FindStringIndex(code)
	if loc == nil {
		return -1
	}
	return len(content) - len(code) + loc[1]
}

func skipLeadingComments(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n\ufeff")
		switch {
		case strings.HasPrefix(s, "//"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s[2:], "*/")
			if i < 0 {
				return ""
			}
			s = s[i+4:]
		default:
			return s
		}
	}
}

// Fatal returns the error-severity findings.
func Fatal(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// Summarize renders up to limit findings as "file:line: message" lines.
func Summarize(findings []Finding, limit int) string {
	var b strings.Builder
	for i, f := range findings {
		if limit > 0 && i >= limit {
			fmt.Fprintf(&b, "... and %d more\n", len(findings)-limit)
			break
		}
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	return b.String()
}
