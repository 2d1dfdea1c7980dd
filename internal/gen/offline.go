package gen

import (
	"context"
	"encoding/json"
	"strings"
)

// Offline is a deterministic Generator used when no API key is configured.
// It echoes the brief into a specification and emits a single page.
type Offline struct{}

func (Offline) Specification(_ context.Context, brief string) (string, error) {
	title := "Draft"
	for _, line := range strings.Split(brief, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			title = l
			break
		}
	}
	var b strings.Builder
	b.WriteString("# " + title + "\n\n## Overview\n\n")
	b.WriteString(strings.Join(strings.Fields(brief), " ") + "\n\n## Core Features\n\n")
	b.WriteString("- Overview: a summary of the product\n")
	return b.String(), nil
}

func (Offline) Code(_ context.Context, brief, _ string, _ *Correction) (string, error) {
	page := "export default function OverviewPage() {\n" +
		"  return (\n" +
		"    <main className=\"mx-auto max-w-3xl px-6 py-16\">\n" +
		"      <p>{" + quote(strings.Join(strings.Fields(brief), " ")) + "}</p>\n" +
		"    </main>\n" +
		"  )\n" +
		"}\n"
	out, err := json.Marshal(map[string]any{
		"files": []map[string]string{{"path": "app/overview/page.tsx", "content": page}},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
