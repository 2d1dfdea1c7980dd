// Package depcache keeps one installed node_modules tree per distinct
// dependency set and copies it into project workspaces.
package depcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/throw-if-null/drafthouse/internal/command"
	"github.com/throw-if-null/drafthouse/internal/logging"
	"github.com/throw-if-null/drafthouse/internal/telemetry"
)

var ErrInstall = errors.New("dependency install failed")

// MarkerFile records the manifest hash of a completed install.
const MarkerFile = ".manifest-hash"

// Manifest is the dependency portion of a package.json.
type Manifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Hash identifies the dependency set. Key order does not matter.
func (m Manifest) Hash() string {
	c := Manifest{Dependencies: m.Dependencies, DevDependencies: m.DevDependencies}
	if c.Dependencies == nil {
		c.Dependencies = map[string]string{}
	}
	if c.DevDependencies == nil {
		c.DevDependencies = map[string]string{}
	}
	// encoding/json writes map keys in sorted order
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// Entry is an installed cache slot.
type Entry struct {
	Hash string
	Dir  string
}

type Manager struct {
	root    string
	install []string
	timeout time.Duration
	runner  command.Runner
	log     *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(root string, install []string, timeout time.Duration, runner command.Runner) *Manager {
	if runner == nil {
		runner = command.Exec{}
	}
	return &Manager{
		root:    root,
		install: install,
		timeout: timeout,
		runner:  runner,
		log:     logging.For("depcache"),
		locks:   map[string]*sync.Mutex{},
	}
}

func (m *Manager) Root() string { return m.root }

func (m *Manager) entry(hash string) Entry {
	return Entry{Hash: hash, Dir: filepath.Join(m.root, hash)}
}

// Has reports whether a completed install exists for hash.
func (m *Manager) Has(hash string) bool {
	b, err := os.ReadFile(filepath.Join(m.root, hash, MarkerFile))
	return err == nil && strings.TrimSpace(string(b)) == hash
}

// Ensure returns the cache entry for man, installing it on a miss. Concurrent
// callers with the same dependency set share one install and all of them
// see installed == true.
func (m *Manager) Ensure(ctx context.Context, man Manifest) (Entry, bool, error) {
	hash := man.Hash()
	if m.Has(hash) {
		m.log.Debug("cache hit", "hash", hash)
		return m.entry(hash), false, nil
	}
	// The install outlives any single caller's cancellation.
	ictx := context.WithoutCancel(ctx)
	v, err, _ := m.group.Do(hash, func() (any, error) {
		if m.Has(hash) {
			return false, nil
		}
		return true, m.installSlot(ictx, hash, man)
	})
	if err != nil {
		return Entry{}, false, err
	}
	installed, _ := v.(bool)
	return m.entry(hash), installed, nil
}

func (m *Manager) installSlot(ctx context.Context, hash string, man Manifest) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "depcache.install")
	defer func() { telemetry.End(span, err) }()

	if len(m.install) == 0 {
		return fmt.Errorf("%w: no install command configured", ErrInstall)
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return err
	}
	staging := filepath.Join(m.root, hash+".tmp-"+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.RemoveAll(staging)
		}
	}()

	pkg := map[string]any{
		"name":            "drafthouse-cache-" + hash,
		"private":         true,
		"dependencies":    nonNil(man.Dependencies),
		"devDependencies": nonNil(man.DevDependencies),
	}
	b, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, "package.json"), b, 0o644); err != nil {
		return err
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	start := time.Now()
	m.log.Info("installing dependencies", "hash", hash, "deps", len(man.Dependencies), "dev_deps", len(man.DevDependencies))
	var out bytes.Buffer
	code, runErr := m.runner.Run(ctx, staging, m.install, nil, &out, &out)
	if runErr != nil || code != 0 {
		msg := tail(out.String(), 20)
		m.log.Error("install failed", "hash", hash, "exit_code", code, "error", runErr, "output", msg)
		if runErr != nil {
			return fmt.Errorf("%w: %v: %s", ErrInstall, runErr, msg)
		}
		return fmt.Errorf("%w: exit code %d: %s", ErrInstall, code, msg)
	}

	if err := os.WriteFile(filepath.Join(staging, MarkerFile), []byte(hash), 0o644); err != nil {
		return err
	}
	final := filepath.Join(m.root, hash)
	// A directory without a valid marker is a leftover and is replaced.
	if err := os.RemoveAll(final); err != nil {
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		return err
	}
	ok = true
	m.log.Info("dependencies installed", "hash", hash, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (m *Manager) lockFor(hash string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[hash]
	if !ok {
		l = &sync.Mutex{}
		m.locks[hash] = l
	}
	return l
}

// Populate copies the entry's node_modules into dir/node_modules. Copies from
// the same entry are serialized; different entries copy in parallel.
func (m *Manager) Populate(ctx context.Context, e Entry, dir string) error {
	l := m.lockFor(e.Hash)
	l.Lock()
	defer l.Unlock()

	src := filepath.Join(e.Dir, "node_modules")
	dst := filepath.Join(dir, "node_modules")
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// a dependency set can install nothing
			return os.MkdirAll(dst, 0o755)
		}
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	var total uint64
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if d.Name() == ".cache" && d.IsDir() {
			return filepath.SkipDir
		}
		if d.Name() == MarkerFile {
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		default:
			n, err := copyFile(p, target, info.Mode().Perm())
			total += uint64(n)
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("populate %s: %w", dir, err)
	}
	m.log.Debug("node_modules populated", "hash", e.Hash, "dir", dir, "size", humanize.Bytes(total))
	return nil
}

func copyFile(src, dst string, mode fs.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
