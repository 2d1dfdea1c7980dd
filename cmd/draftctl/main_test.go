package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/throw-if-null/drafthouse/internal/api"
)

func setupServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			created := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339Nano)
			projects := []api.Project{
				{ID: "p-1", Title: "Foo Market", CreatedAt: created},
				{ID: "p-2", Title: "Bar Board", CreatedAt: created},
				{ID: "p-3", Title: "Baz Notes", CreatedAt: created},
			}
			if r.URL.Query().Get("limit") == "2" {
				projects = projects[:2]
			}
			_ = json.NewEncoder(w).Encode(projects)
		case http.MethodPost:
			var req api.CreateProjectRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(api.Project{ID: "p-9", Brief: req.Brief, Title: req.Title})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/projects/p-1/build", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"running","serving":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"completed","serving":true,"port":3042}`))
	})
	mux.HandleFunc("/v1/projects/busy/build", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"project busy"}`))
	})
	mux.HandleFunc("/v1/projects/p-1/logs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tail=" + r.URL.Query().Get("tail")))
	})
	mux.HandleFunc("/v1/projects/p-1/preview", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<h1>Foo Market</h1>"))
	})
	mux.HandleFunc("/v1/projects/p-1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: connected\ndata: {\"projectId\":\"p-1\"}\n\nevent: snapshot\ndata: {}\n\n"))
	})
	mux.HandleFunc("/v1/cleanup", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"removed":["old"],"kept":[]}`))
	})
	return httptest.NewServer(mux)
}

func runCLI(t *testing.T, ts *httptest.Server, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, &http.Client{}, ts.URL, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestCreateAndList(t *testing.T) {
	ts := setupServer()
	defer ts.Close()

	code, out, _ := runCLI(t, ts, "create", "--brief", "a marketplace called Foo", "--title", "Foo")
	if code != 0 {
		t.Fatalf("create exit code: %d", code)
	}
	var p api.Project
	if err := json.Unmarshal([]byte(out), &p); err != nil || p.ID != "p-9" || p.Brief != "a marketplace called Foo" {
		t.Fatalf("unexpected create output %q: %v", out, err)
	}

	code, out, _ = runCLI(t, ts, "list")
	if code != 0 {
		t.Fatalf("list exit code: %d", code)
	}
	if !strings.Contains(out, "Foo Market") || !strings.Contains(out, "2 hours ago") {
		t.Fatalf("expected table with humanized times, got:\n%s", out)
	}

	code, out, _ = runCLI(t, ts, "list", "--limit", "2", "--json")
	if code != 0 {
		t.Fatalf("list json exit code: %d", code)
	}
	var projects []api.Project
	if err := json.Unmarshal([]byte(out), &projects); err != nil || len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %q: %v", out, err)
	}
}

func TestBuildStatusLogsPreview(t *testing.T) {
	ts := setupServer()
	defer ts.Close()

	if code, out, _ := runCLI(t, ts, "build", "p-1"); code != 0 || !strings.Contains(out, `"running"`) {
		t.Fatalf("build: %d %s", code, out)
	}
	if code, out, _ := runCLI(t, ts, "status", "p-1"); code != 0 || !strings.Contains(out, `"port":3042`) {
		t.Fatalf("status: %d %s", code, out)
	}
	if code, out, _ := runCLI(t, ts, "logs", "p-1", "--tail", "5"); code != 0 || out != "tail=5\n" {
		t.Fatalf("logs: %d %q", code, out)
	}
	if code, out, _ := runCLI(t, ts, "preview", "p-1"); code != 0 || strings.TrimSpace(out) != ts.URL+"/v1/projects/p-1/preview" {
		t.Fatalf("preview url: %d %q", code, out)
	}
	if code, out, _ := runCLI(t, ts, "preview", "p-1", "--html"); code != 0 || !strings.Contains(out, "Foo Market") {
		t.Fatalf("preview html: %d %q", code, out)
	}
}

func TestEvents(t *testing.T) {
	ts := setupServer()
	defer ts.Close()

	code, out, _ := runCLI(t, ts, "events", "p-1")
	if code != 0 {
		t.Fatalf("events exit code: %d", code)
	}
	if !strings.Contains(out, "event: connected") || !strings.Contains(out, "event: snapshot") {
		t.Fatalf("expected frames, got %q", out)
	}
}

func TestErrorsAndUsage(t *testing.T) {
	ts := setupServer()
	defer ts.Close()

	code, _, errOut := runCLI(t, ts, "build", "busy")
	if code != 1 || !strings.Contains(errOut, "409") {
		t.Fatalf("busy build: %d %q", code, errOut)
	}
	if code, _, _ := runCLI(t, ts, "status"); code != 2 {
		t.Fatalf("missing id should be a usage error, got %d", code)
	}
	if code, _, _ := runCLI(t, ts, "create"); code != 2 {
		t.Fatalf("missing brief should be a usage error, got %d", code)
	}
	if code, _, _ := runCLI(t, ts, "bogus"); code != 2 {
		t.Fatalf("unknown command should be a usage error, got %d", code)
	}
	if code, out, _ := runCLI(t, ts, "version"); code != 0 || !strings.HasPrefix(out, "draftctl ") {
		t.Fatalf("version: %d %q", code, out)
	}
}

func TestCleanup(t *testing.T) {
	ts := setupServer()
	defer ts.Close()
	t.Setenv("CLEANUP_SECRET", "")

	if code, _, errOut := runCLI(t, ts, "cleanup"); code != 1 || !strings.Contains(errOut, "401") {
		t.Fatalf("cleanup without secret: %d %q", code, errOut)
	}
	code, out, _ := runCLI(t, ts, "cleanup", "--secret", "s3cret")
	if code != 0 {
		t.Fatalf("cleanup exit code: %d", code)
	}
	var rep api.CleanupReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil || len(rep.Removed) != 1 {
		t.Fatalf("unexpected cleanup output %q: %v", out, err)
	}
}
