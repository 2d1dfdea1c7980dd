package sweeper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func makeWorkspace(t *testing.T, root, id string, mod time.Time) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(filepath.Join(dir, "app"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app", "page.tsx"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(dir, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func newRoot(t *testing.T) string {
	t.Helper()
	d, err := os.MkdirTemp("", "drafthouse-sweeper-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(d) })
	return d
}

func TestSweep_KeepsNewestN(t *testing.T) {
	root := newRoot(t)
	now := time.Now()
	// 7 workspaces, all past the grace period, one hour apart
	for i := 0; i < 7; i++ {
		makeWorkspace(t, root, fmt.Sprintf("p%d", i), now.Add(-time.Hour*time.Duration(i+1)))
	}
	var evicted []string
	s := &Sweeper{
		Root:    root,
		MaxAge:  12 * time.Hour,
		Keep:    5,
		Grace:   30 * time.Minute,
		Now:     func() time.Time { return now },
		OnEvict: func(id string) { evicted = append(evicted, id) },
	}
	rep := s.Sweep(context.Background())
	if len(rep.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", rep.Errors)
	}
	want := []string{"p0", "p1", "p2", "p3", "p4"}
	if fmt.Sprint(rep.Kept) != fmt.Sprint(want) {
		t.Fatalf("expected kept %v, got %v", want, rep.Kept)
	}
	sort.Strings(evicted)
	if fmt.Sprint(evicted) != "[p5 p6]" || len(rep.Removed) != 2 {
		t.Fatalf("unexpected evictions: %v / %v", evicted, rep.Removed)
	}
	for _, id := range evicted {
		if _, err := os.Stat(filepath.Join(root, id)); !os.IsNotExist(err) {
			t.Fatalf("%s still on disk", id)
		}
	}
}

func TestSweep_GraceProtectsRecentOverflow(t *testing.T) {
	root := newRoot(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		makeWorkspace(t, root, fmt.Sprintf("fresh%d", i), now.Add(-time.Minute*time.Duration(i+1)))
	}
	s := &Sweeper{Root: root, MaxAge: 12 * time.Hour, Keep: 1, Grace: 30 * time.Minute, Now: func() time.Time { return now }}
	rep := s.Sweep(context.Background())
	if len(rep.Removed) != 0 || len(rep.Kept) != 3 {
		t.Fatalf("workspaces within grace must survive, got %+v", rep)
	}
}

func TestSweep_MaxAgeAndExclusions(t *testing.T) {
	root := newRoot(t)
	now := time.Now()
	makeWorkspace(t, root, "stale", now.Add(-13*time.Hour))
	makeWorkspace(t, root, "current", now.Add(-time.Minute))
	makeWorkspace(t, root, ".template-cache", now.Add(-48*time.Hour))
	makeWorkspace(t, root, "cache", now.Add(-48*time.Hour))

	s := &Sweeper{Root: root, MaxAge: 12 * time.Hour, Keep: 5, Grace: 30 * time.Minute, Exclude: []string{"cache"}, Now: func() time.Time { return now }}
	rep := s.Sweep(context.Background())
	if fmt.Sprint(rep.Removed) != "[stale]" || fmt.Sprint(rep.Kept) != "[current]" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	for _, keep := range []string{".template-cache", "cache", "current"} {
		if _, err := os.Stat(filepath.Join(root, keep)); err != nil {
			t.Fatalf("%s should remain: %v", keep, err)
		}
	}
}

func TestSweep_MissingRoot(t *testing.T) {
	s := &Sweeper{Root: filepath.Join(newRoot(t), "absent"), Keep: 5}
	rep := s.Sweep(context.Background())
	if len(rep.Errors) != 0 || len(rep.Removed) != 0 {
		t.Fatalf("missing root should be a no-op: %+v", rep)
	}
}
