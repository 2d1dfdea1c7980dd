// Package gen talks to the generation collaborator that writes product
// specifications and source bundles.
package gen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/throw-if-null/drafthouse/internal/api"
)

var ErrMalformed = errors.New("malformed generation output")

// Correction carries validator feedback into a second code generation pass.
type Correction struct {
	Findings string
	Previous string
}

type Generator interface {
	Specification(ctx context.Context, brief string) (string, error)
	Code(ctx context.Context, brief, spec string, correction *Correction) (string, error)
}

type bundle struct {
	Files []bundleFile `json:"files"`
}

type bundleFile struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Code     string `json:"code"`
}

// maxDecodeAttempts bounds how many candidate objects ExtractManifest tries.
// Each failed attempt can read to the end of raw.
const maxDecodeAttempts = 256

// ExtractManifest returns the files of the first well-formed JSON object in
// raw that has a "files" list. Surrounding prose and markdown fences are
// ignored.
func ExtractManifest(raw string) ([]api.File, error) {
	attempts := 0
	for i := 0; i < len(raw) && attempts < maxDecodeAttempts; i++ {
		if raw[i] != '{' || !opensObject(raw[i+1:]) {
			continue
		}
		attempts++
		var b bundle
		var obj map[string]json.RawMessage
		dec := json.NewDecoder(strings.NewReader(raw[i:]))
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		if _, ok := obj["files"]; !ok {
			continue
		}
		if err := json.Unmarshal(obj["files"], &b.Files); err != nil {
			continue
		}
		out := make([]api.File, 0, len(b.Files))
		for _, f := range b.Files {
			p := f.Path
			if p == "" {
				p = f.Filename
			}
			c := f.Content
			if c == "" {
				c = f.Code
			}
			if strings.TrimSpace(p) == "" {
				continue
			}
			out = append(out, api.File{Path: p, Content: c})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: no JSON object with a files list", ErrMalformed)
}

// opensObject reports whether rest, the text after a '{', starts with a
// quoted key. Code braces in prose never do.
func opensObject(rest string) bool {
	rest = strings.TrimLeft(rest, " \t\r\n")
	return rest != "" && rest[0] == '"'
}
