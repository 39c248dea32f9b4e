package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a restore target does not resolve to an
// existing backup file.
var ErrNotFound = errors.New("backup not found")

const stampLayout = "20060102T150405Z"

// Keep is the retention limit: pruning after each backup keeps only the
// most recent Keep files, regardless of tag.
const Keep = 10

// Manager snapshots and restores the store file. An in-memory store has
// nothing to snapshot: Create reports no destination and Restore reports
// not found.
type Manager struct {
	Dir      string
	DBPath   string
	DB       *sql.DB
	InMemory bool
	Keep     int
	Now      func() time.Time
}

// Info describes one backup file, parsed from its name.
type Info struct {
	Name      string
	Tag       string
	Size      int64
	CreatedAt string
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Manager) keep() int {
	if m.Keep > 0 {
		return m.Keep
	}
	return Keep
}

// Create snapshots the live store into a new backup file named by
// timestamp and tag, then prunes old backups. VACUUM INTO writes a
// transactionally consistent image, never a mid-write copy. Returns the
// destination path, or "" for an in-memory store.
func (m Manager) Create(ctx context.Context, tag string) (string, error) {
	if m.InMemory {
		return "", nil
	}
	if tag == "" {
		tag = "manual"
	}
	if strings.ContainsAny(tag, "/\\") {
		return "", fmt.Errorf("invalid backup tag %q", tag)
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.db", m.now().UTC().Format(stampLayout), tag)
	dest := filepath.Join(m.Dir, name)
	if _, err := m.DB.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	if err := m.prune(); err != nil {
		return "", err
	}
	return dest, nil
}

// EnsureDaily creates a backup tagged "daily" unless one already exists
// for the current calendar day. Called on store initialization; no timer
// is involved.
func (m Manager) EnsureDaily(ctx context.Context) error {
	if m.InMemory {
		return nil
	}
	today := m.now().UTC().Format("20060102")
	backups, err := m.List()
	if err != nil {
		return err
	}
	for _, b := range backups {
		if b.Tag == "daily" && strings.HasPrefix(b.Name, today) {
			return nil
		}
	}
	_, err = m.Create(ctx, "daily")
	return err
}

// List returns the backups newest-first.
func (m Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		info, err := parseName(e.Name())
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, err
		}
		info.Size = fi.Size()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// Restore replaces the live store image with the named backup. Ref is an
// exact filename or a 1-based recency index ("1" = most recent). Open
// handles onto the old image are stale afterward; the caller must reopen.
func (m Manager) Restore(ref string) (string, error) {
	if m.InMemory {
		return "", ErrNotFound
	}
	backups, err := m.List()
	if err != nil {
		return "", err
	}
	name := ""
	if idx, err := strconv.Atoi(ref); err == nil {
		if idx < 1 || idx > len(backups) {
			return "", ErrNotFound
		}
		name = backups[idx-1].Name
	} else {
		for _, b := range backups {
			if b.Name == ref {
				name = b.Name
				break
			}
		}
		if name == "" {
			return "", ErrNotFound
		}
	}
	src := filepath.Join(m.Dir, name)
	if err := copyFile(src, m.DBPath); err != nil {
		return "", err
	}
	return name, nil
}

func (m Manager) prune() error {
	backups, err := m.List()
	if err != nil {
		return err
	}
	for i := m.keep(); i < len(backups); i++ {
		if err := os.Remove(filepath.Join(m.Dir, backups[i].Name)); err != nil {
			return err
		}
	}
	return nil
}

func parseName(name string) (Info, error) {
	base := strings.TrimSuffix(name, ".db")
	stamp, tag, ok := strings.Cut(base, "-")
	if !ok {
		return Info{}, fmt.Errorf("unrecognized backup name %s", name)
	}
	ts, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return Info{}, err
	}
	return Info{Name: name, Tag: tag, CreatedAt: ts.Format(time.RFC3339)}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
