package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/lychee-technology/parquedb"
)

// Local is a Backend over a local filesystem root, for single-node
// deployments and tests. Writes stage to a sibling temp file and are renamed
// into place, so a crash mid-write never leaves a torn object visible at its
// final path.
type Local struct {
	root string
}

// NewLocal creates a Local backend rooted at dir, creating it if absent.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, parquedb.NewFatalError("create local storage root", err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) resolve(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

func (l *Local) Write(ctx context.Context, path string, data []byte) error {
	full := l.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return parquedb.NewFatalError("create parent directory", err)
	}
	tmp := full + ".tmp-" + uuid.Must(uuid.NewV7()).String()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return parquedb.NewFatalError("write temp object", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return parquedb.NewFatalError("finalize object", err)
	}
	return nil
}

func (l *Local) WriteStream(ctx context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return parquedb.NewFatalError("read stream for local write", err)
	}
	return l.Write(ctx, path, data)
}

func (l *Local) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, parquedb.NewError(parquedb.ErrorTypeNotFound, "object_not_found", "object not found: "+path)
		}
		return nil, parquedb.NewFatalError("read object", err)
	}
	return data, nil
}

func (l *Local) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(l.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, parquedb.NewError(parquedb.ErrorTypeNotFound, "object_not_found", "object not found: "+path)
		}
		return nil, parquedb.NewFatalError("open object", err)
	}
	defer f.Close()
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, parquedb.NewFatalError("read object range", err)
	}
	return buf[:n], nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	base := l.resolve(prefix)
	dir := filepath.Dir(base)
	var out []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, parquedb.NewFatalError("list objects", err)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	if err := os.Remove(l.resolve(path)); err != nil && !os.IsNotExist(err) {
		return parquedb.NewFatalError("delete object", err)
	}
	return nil
}

func (l *Local) Size(ctx context.Context, path string) (int64, error) {
	info, err := os.Stat(l.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, parquedb.NewError(parquedb.ErrorTypeNotFound, "object_not_found", "object not found: "+path)
		}
		return 0, parquedb.NewFatalError("stat object", err)
	}
	return info.Size(), nil
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(l.resolve(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, parquedb.NewFatalError("stat object", err)
}
