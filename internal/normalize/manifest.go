package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/throw-if-null/drafthouse/internal/depcache"
)

// Generated manifests often carry this misspelling; npm has no such package.
const (
	typoExtensionDapp  = "@polkadot/extensions-dapp"
	fixedExtensionDapp = "@polkadot/extension-dapp"
)

func encodeJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return buf.String()
}

func decodeObject(s string) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	m, _ := v.(map[string]any)
	for k, val := range m {
		switch t := val.(type) {
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		}
	}
	return out
}

func anyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// rewriteManifest applies the package policy to a package.json document:
// banned packages and patch-package hooks are removed, the extension-dapp
// typo is fixed, pinned versions win, and the dev/start scripts bind port.
// Content that is not a JSON object is returned unchanged.
func (c *Catalogue) rewriteManifest(s string, port int) string {
	doc, ok := decodeObject(s)
	if !ok {
		return s
	}
	deps := stringMap(doc["dependencies"])
	dev := stringMap(doc["devDependencies"])
	for _, set := range []map[string]string{deps, dev} {
		if v, ok := set[typoExtensionDapp]; ok {
			delete(set, typoExtensionDapp)
			if _, exists := set[fixedExtensionDapp]; !exists {
				set[fixedExtensionDapp] = v
			}
		}
		for name := range set {
			if c.IsBanned(name) {
				delete(set, name)
			}
		}
	}
	for name, v := range c.Pinned.Dependencies {
		if _, ok := deps[name]; ok {
			deps[name] = v
		}
	}
	for name, v := range c.Pinned.DevDependencies {
		if _, ok := dev[name]; ok {
			dev[name] = v
		}
	}
	doc["dependencies"] = anyMap(deps)
	doc["devDependencies"] = anyMap(dev)

	scripts := stringMap(doc["scripts"])
	for name, cmd := range scripts {
		if strings.Contains(cmd, "patch-package") {
			delete(scripts, name)
		}
	}
	p := strconv.Itoa(port)
	scripts["dev"] = "next dev -p " + p
	scripts["start"] = "next start -p " + p
	doc["scripts"] = anyMap(scripts)

	out := encodeJSON(doc)
	if out == "" {
		return s
	}
	return out
}

// mergeManifest copies generated dependencies that the template does not
// declare into the template manifest. Template entries always win.
func (c *Catalogue) mergeManifest(template, generated string) string {
	base, ok := decodeObject(template)
	if !ok {
		return template
	}
	gen, ok := decodeObject(generated)
	if !ok {
		return template
	}
	for _, key := range []string{"dependencies", "devDependencies"} {
		dst := stringMap(base[key])
		for name, v := range stringMap(gen[key]) {
			if c.IsBanned(name) {
				continue
			}
			if _, exists := dst[name]; !exists {
				dst[name] = v
			}
		}
		base[key] = anyMap(dst)
	}
	return encodeJSON(base)
}

// ManifestOf extracts the dependency sets of a package.json document.
func ManifestOf(content string) depcache.Manifest {
	doc, ok := decodeObject(content)
	if !ok {
		return depcache.Manifest{}
	}
	return depcache.Manifest{
		Dependencies:    stringMap(doc["dependencies"]),
		DevDependencies: stringMap(doc["devDependencies"]),
	}
}
