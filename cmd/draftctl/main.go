package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/throw-if-null/drafthouse/internal/api"
	"github.com/throw-if-null/drafthouse/internal/version"
)

func main() {
	baseURL := os.Getenv("DRAFTHOUSE_URL")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", api.DefaultHost, api.DefaultPort)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	os.Exit(run(os.Args[1:], client, baseURL, os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  draftctl create --brief <text> [--title <title>]")
	_, _ = fmt.Fprintln(w, "  draftctl list [--limit N] [--json]")
	_, _ = fmt.Fprintln(w, "  draftctl status <project-id>")
	_, _ = fmt.Fprintln(w, "  draftctl build <project-id>")
	_, _ = fmt.Fprintln(w, "  draftctl preview <project-id> [--html]")
	_, _ = fmt.Fprintln(w, "  draftctl events <project-id>")
	_, _ = fmt.Fprintln(w, "  draftctl logs <project-id> [--tail N]")
	_, _ = fmt.Fprintln(w, "  draftctl cleanup [--secret <secret>]")
	_, _ = fmt.Fprintln(w, "  draftctl version")
}

func run(args []string, client *http.Client, baseURL string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}
	c := &cli{client: client, base: baseURL, stdout: stdout, stderr: stderr}
	switch args[0] {
	case "create":
		return c.create(args[1:])
	case "list":
		return c.list(args[1:])
	case "status":
		return c.withID("status", args[1:], func(id string, _ []string) int {
			return c.print(c.do(http.MethodGet, "/v1/projects/"+id+"/build", nil, nil))
		})
	case "build":
		return c.withID("build", args[1:], func(id string, _ []string) int {
			return c.print(c.do(http.MethodPost, "/v1/projects/"+id+"/build", nil, nil))
		})
	case "preview":
		return c.withID("preview", args[1:], c.preview)
	case "events":
		return c.withID("events", args[1:], func(id string, _ []string) int { return c.events(id) })
	case "logs":
		return c.withID("logs", args[1:], c.logs)
	case "cleanup":
		return c.cleanup(args[1:])
	case "version":
		_, _ = fmt.Fprintf(stdout, "draftctl %s (%s)\n", version.Version, version.Commit)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

type cli struct {
	client *http.Client
	base   string
	stdout io.Writer
	stderr io.Writer
}

// withID takes the project id from the first positional argument; flags may
// follow it.
func (c *cli) withID(name string, args []string, fn func(id string, rest []string) int) int {
	if len(args) < 1 || args[0] == "" || args[0][0] == '-' {
		_, _ = fmt.Fprintf(c.stderr, "%s: project id required\n", name)
		usage(c.stderr)
		return 2
	}
	return fn(args[0], args[1:])
}

func (c *cli) do(method, path string, body io.Reader, header http.Header) ([]byte, error) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, bytes.TrimSpace(b))
	}
	return b, nil
}

func (c *cli) print(b []byte, err error) int {
	if err != nil {
		_, _ = fmt.Fprintln(c.stderr, err.Error())
		return 1
	}
	_, _ = fmt.Fprintln(c.stdout, string(bytes.TrimSpace(b)))
	return 0
}

func (c *cli) create(args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	var brief, title string
	fs.StringVar(&brief, "brief", "", "product brief")
	fs.StringVar(&title, "title", "", "project title")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if brief == "" {
		fs.Usage()
		return 2
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(api.CreateProjectRequest{Brief: brief, Title: title}); err != nil {
		return c.print(nil, err)
	}
	return c.print(c.do(http.MethodPost, "/v1/projects", &buf, nil))
}

func (c *cli) list(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	limit := fs.Int("limit", 0, "maximum projects to list")
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path := "/v1/projects"
	if *limit > 0 {
		path += "?limit=" + strconv.Itoa(*limit)
	}
	b, err := c.do(http.MethodGet, path, nil, nil)
	if err != nil || *asJSON {
		return c.print(b, err)
	}
	var projects []api.Project
	if err := json.Unmarshal(b, &projects); err != nil {
		return c.print(nil, fmt.Errorf("decode projects: %w", err))
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTITLE\tCREATED")
	for _, p := range projects {
		created := p.CreatedAt
		if t, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err == nil {
			created = humanize.Time(t)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Title, created)
	}
	_ = tw.Flush()
	return 0
}

func (c *cli) preview(id string, args []string) int {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	html := fs.Bool("html", false, "print the rendered page instead of its URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path := "/v1/projects/" + url.PathEscape(id) + "/preview"
	if !*html {
		_, _ = fmt.Fprintln(c.stdout, c.base+path)
		return 0
	}
	return c.print(c.do(http.MethodGet, path, nil, nil))
}

func (c *cli) logs(id string, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	tail := fs.Int("tail", -1, "only the last N lines")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path := "/v1/projects/" + id + "/logs"
	if *tail >= 0 {
		path += "?tail=" + strconv.Itoa(*tail)
	}
	return c.print(c.do(http.MethodGet, path, nil, nil))
}

func (c *cli) cleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	secret := fs.String("secret", os.Getenv("CLEANUP_SECRET"), "cleanup bearer secret")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	h := http.Header{}
	if *secret != "" {
		h.Set("Authorization", "Bearer "+*secret)
	}
	return c.print(c.do(http.MethodPost, "/v1/cleanup", nil, h))
}

// events copies the stream's frames to stdout until the daemon closes it.
func (c *cli) events(id string) int {
	streaming := *c.client
	streaming.Timeout = 0
	resp, err := streaming.Get(c.base + "/v1/projects/" + id + "/events")
	if err != nil {
		return c.print(nil, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return c.print(nil, fmt.Errorf("request failed: %s: %s", resp.Status, bytes.TrimSpace(b)))
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 8<<20)
	for sc.Scan() {
		_, _ = fmt.Fprintln(c.stdout, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return c.print(nil, err)
	}
	return 0
}
