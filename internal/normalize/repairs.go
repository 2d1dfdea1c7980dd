package normalize

import (
	"path"
	"regexp"
	"strings"

	"github.com/throw-if-null/drafthouse/internal/validator"
)

// Repairs for recurring generation slips that break compilation but have a
// single obvious fix.

var invisibleChars = strings.NewReplacer("\ufeff", "", "\u200b", "", "\u200c", "", "\u200d", "", "\u2060", "")

func stripInvisible(s string) string {
	if !strings.ContainsAny(s, "\ufeff\u200b\u200c\u200d\u2060") {
		return s
	}
	return invisibleChars.Replace(s)
}

var doubledImportBrace = regexp.MustCompile(`\}(?:[ \t]*\})+([ \t]+from[ \t]*['"])`)

// collapseImportBraces turns "} } from" left behind by a bad merge back into
// a single closing brace.
func collapseImportBraces(s string) string {
	return doubledImportBrace.ReplaceAllString(s, "}$1")
}

var untypedCallback = regexp.MustCompile(`\.(map|filter|forEach|find|some|every)\(\s*(?:\(\s*([A-Za-z_$][\w$]*)\s*\)|([A-Za-z_$][\w$]*))\s*=>`)

// typeCallbackParams annotates single untyped array callback parameters so
// strict mode does not reject them as implicit any.
func typeCallbackParams(s string) string {
	return untypedCallback.ReplaceAllStringFunc(s, func(m string) string {
		sm := untypedCallback.FindStringSubmatch(m)
		name := sm[2] + sm[3]
		if name == "async" {
			return m
		}
		return "." + sm[1] + "((" + name + ": any) =>"
	})
}

func isTS(p string) bool {
	switch path.Ext(p) {
	case ".ts", ".tsx":
		return true
	}
	return false
}

var cssSideEffectImport = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+['"][^'"\n]+\.css['"][ \t]*;?[ \t]*\r?\n?`)

// dropCSSImports removes stylesheet imports from plain .ts modules, which
// the bundler only accepts from components.
func dropCSSImports(s string) string {
	return cssSideEffectImport.ReplaceAllString(s, "")
}

var (
	stylesGlobals = regexp.MustCompile(`(['"])([^'"\n]*)styles/globals\.css(['"])`)
	globalsImport = regexp.MustCompile(`import[ \t]+['"][^'"\n]*globals\.css['"]`)
)

// fixGlobalsPath points stylesheet imports at app/globals.css, the only
// global stylesheet the scaffold ships.
func fixGlobalsPath(s string) string {
	return stylesGlobals.ReplaceAllStringFunc(s, func(m string) string {
		sm := stylesGlobals.FindStringSubmatch(m)
		if sm[2] == "./" {
			return sm[1] + "./globals.css" + sm[3]
		}
		return sm[1] + "@/app/globals.css" + sm[3]
	})
}

func isRootLayout(p string) bool { return p == "app/layout.tsx" }

func ensureGlobalsImport(s string) string {
	if globalsImport.MatchString(s) {
		return s
	}
	return insertAfterDirective(s, "import '@/app/globals.css'\n")
}

var (
	requireConnection   = regexp.MustCompile(`(import\s*\{[^}]*\bRequireAccount\b[^}]*\}\s*from\s*['"])@/components/polkadot-ui/RequireConnection(['"])`)
	defaultTxNotify     = regexp.MustCompile(`import\s+TxNotification\s+from\s+(['"]@/components/polkadot-ui(?:/TxNotification)?['"])`)
	polkadotImport      = regexp.MustCompile(`import\s*\{([^}]*)\}\s*from\s*['"]@/components/polkadot-ui['"];?[ \t]*\r?\n?`)
	polkadotContextCall = regexp.MustCompile(`(?m)^[ \t]*const\s*\{[^}]*\}\s*=\s*usePolkadotUI\(\s*\);?[ \t]*\r?\n?`)
)

// fixPolkadotImports maps imports onto the component kit's real exports.
// usePolkadotUI has no counterpart, so its import and destructuring go.
func fixPolkadotImports(s string) string {
	if !strings.Contains(s, "polkadot-ui") && !strings.Contains(s, "usePolkadotUI") {
		return s
	}
	s = requireConnection.ReplaceAllString(s, "${1}@/components/polkadot-ui/RequireAccount${2}")
	s = defaultTxNotify.ReplaceAllString(s, "import { TxNotification } from $1")
	s = polkadotImport.ReplaceAllStringFunc(s, func(m string) string {
		sm := polkadotImport.FindStringSubmatch(m)
		var keep []string
		found := false
		for _, spec := range strings.Split(sm[1], ",") {
			spec = strings.TrimSpace(spec)
			switch {
			case spec == "":
			case importedName(spec) == "usePolkadotUI":
				found = true
			default:
				keep = append(keep, spec)
			}
		}
		if !found {
			return m
		}
		if len(keep) == 0 {
			return ""
		}
		tail := ""
		if strings.HasSuffix(m, "\n") {
			tail = "\n"
		}
		return "import { " + strings.Join(keep, ", ") + " } from '@/components/polkadot-ui';" + tail
	})
	return polkadotContextCall.ReplaceAllString(s, "")
}

var awaitCsrf = regexp.MustCompile(`const\s+csrfToken\s*=\s*await\s+getCsrfToken\(\s*\)`)

// dropAwaitedCsrf removes the awaited token fetch from client modules, whose
// components cannot be async. NextAuth attaches the token itself.
func dropAwaitedCsrf(s string) string {
	if !validator.HasClientDirective(s) {
		return s
	}
	return awaitCsrf.ReplaceAllString(s, "const csrfToken = null")
}
