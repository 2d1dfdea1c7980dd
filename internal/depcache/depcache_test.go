package depcache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeInstaller writes a small node_modules tree into the working directory.
type fakeInstaller struct {
	calls int32
	delay time.Duration
	code  int
}

func (f *fakeInstaller) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.code != 0 {
		_, _ = io.WriteString(stderr, "npm ERR! 404 Not Found\n")
		return f.code, nil
	}
	pkg := filepath.Join(dir, "node_modules", "left-pad")
	if err := os.MkdirAll(pkg, 0o755); err != nil {
		return -1, err
	}
	if err := os.WriteFile(filepath.Join(pkg, "index.js"), []byte("module.exports = 1\n"), 0o644); err != nil {
		return -1, err
	}
	cache := filepath.Join(dir, "node_modules", ".cache", "babel")
	if err := os.MkdirAll(cache, 0o755); err != nil {
		return -1, err
	}
	if err := os.WriteFile(filepath.Join(cache, "blob"), []byte("x"), 0o644); err != nil {
		return -1, err
	}
	bin := filepath.Join(dir, "node_modules", ".bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		return -1, err
	}
	if err := os.Symlink("../left-pad/index.js", filepath.Join(bin, "left-pad")); err != nil {
		return -1, err
	}
	return 0, nil
}

func tempDir(t *testing.T) string {
	t.Helper()
	d, err := os.MkdirTemp("", "drafthouse-depcache-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(d) })
	return d
}

func TestManifestHash_CanonicalAndShort(t *testing.T) {
	a := Manifest{Dependencies: map[string]string{"next": "^14.2.6", "react": "^18.3.1"}}
	b := Manifest{Dependencies: map[string]string{"react": "^18.3.1", "next": "^14.2.6"}, DevDependencies: map[string]string{}}
	if a.Hash() != b.Hash() {
		t.Fatalf("expected equal hashes, got %s and %s", a.Hash(), b.Hash())
	}
	if len(a.Hash()) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", a.Hash())
	}
	c := Manifest{Dependencies: map[string]string{"next": "^14.2.6"}}
	if a.Hash() == c.Hash() {
		t.Fatalf("different dependency sets share a hash")
	}
}

func TestEnsure_ConcurrentCallersInstallOnce(t *testing.T) {
	root := tempDir(t)
	fake := &fakeInstaller{delay: 50 * time.Millisecond}
	m := New(root, []string{"npm", "install"}, time.Minute, fake)
	man := Manifest{Dependencies: map[string]string{"left-pad": "^1.3.0"}}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := m.Ensure(context.Background(), man); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ensure: %v", err)
	}
	if got := atomic.LoadInt32(&fake.calls); got != 1 {
		t.Fatalf("expected exactly one install, got %d", got)
	}
	if !m.Has(man.Hash()) {
		t.Fatalf("expected marker for %s", man.Hash())
	}

	e, installed, err := m.Ensure(context.Background(), man)
	if err != nil || installed {
		t.Fatalf("expected cache hit, installed=%v err=%v", installed, err)
	}
	if e.Dir != filepath.Join(root, man.Hash()) {
		t.Fatalf("unexpected entry dir: %s", e.Dir)
	}
}

func TestEnsure_FailureLeavesNoSlot(t *testing.T) {
	root := tempDir(t)
	m := New(root, []string{"npm", "install"}, time.Minute, &fakeInstaller{code: 1})
	man := Manifest{Dependencies: map[string]string{"does-not-exist": "1.0.0"}}

	_, _, err := m.Ensure(context.Background(), man)
	if !errors.Is(err, ErrInstall) {
		t.Fatalf("expected ErrInstall, got %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty cache root, found %d entries (first %s)", len(entries), entries[0].Name())
	}
	if m.Has(man.Hash()) {
		t.Fatalf("failed install must not look cached")
	}
}

func TestPopulate_CopiesTreeWithoutCacheDirs(t *testing.T) {
	root := tempDir(t)
	ws := tempDir(t)
	m := New(root, []string{"npm", "install"}, time.Minute, &fakeInstaller{})
	e, _, err := m.Ensure(context.Background(), Manifest{Dependencies: map[string]string{"left-pad": "^1.3.0"}})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := m.Populate(context.Background(), e, ws); err != nil {
		t.Fatalf("populate: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(ws, "node_modules", "left-pad", "index.js"))
	if err != nil || string(b) != "module.exports = 1\n" {
		t.Fatalf("package not copied: %q %v", b, err)
	}
	if _, err := os.Stat(filepath.Join(ws, "node_modules", ".cache")); !os.IsNotExist(err) {
		t.Fatalf("expected .cache to be skipped, stat err=%v", err)
	}
	link, err := os.Readlink(filepath.Join(ws, "node_modules", ".bin", "left-pad"))
	if err != nil || link != "../left-pad/index.js" {
		t.Fatalf("symlink not preserved: %q %v", link, err)
	}

	// a second populate replaces the tree
	if err := m.Populate(context.Background(), e, ws); err != nil {
		t.Fatalf("second populate: %v", err)
	}
}
