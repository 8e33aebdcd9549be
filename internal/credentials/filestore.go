package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	dirMode  os.FileMode = 0o700
	fileMode os.FileMode = 0o600
	tmpExt               = ".tmp"
)

// FileStore keeps one file per bundle entry inside a private directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("credentials: directory required")
	}
	return &FileStore{dir: filepath.Clean(dir)}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

// Load reads every entry file. A missing directory yields an empty bundle.
func (s *FileStore) Load(ctx context.Context) (Bundle, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Bundle{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credentials: read dir: %w", err)
	}
	out := make(Bundle, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || strings.HasSuffix(entry.Name(), tmpExt) {
			continue
		}
		value, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("credentials: read %s: %w", entry.Name(), err)
		}
		name, err := restoreName(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("credentials: entry file %s: %w", entry.Name(), err)
		}
		out[name] = value
	}
	log.Debug().Str("dir", s.dir).Int("entries", len(out)).Msg("credentials.FileStore load")
	return out, nil
}

// Save writes or removes the entries named in update.
func (s *FileStore) Save(ctx context.Context, update Bundle) error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("credentials: create dir: %w", err)
	}
	for _, name := range update.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}
		file, err := fileName(name)
		if err != nil {
			return err
		}
		path := filepath.Join(s.dir, file)
		value := update[name]
		if len(value) == 0 {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("credentials: remove %s: %w", name, err)
			}
			continue
		}
		if err := writeAtomic(path, value); err != nil {
			return fmt.Errorf("credentials: write %s: %w", name, err)
		}
	}
	log.Debug().Str("dir", s.dir).Int("entries", len(update)).Msg("credentials.FileStore save")
	return nil
}

func writeAtomic(path string, value []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+tmpExt)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// fileName maps an entry name onto a flat file name. The mapping is a query escape, so
// separators and colons cannot collide and restoreName inverts it exactly.
func fileName(name string) (string, error) {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryName, name)
	}
	return url.QueryEscape(name), nil
}

func restoreName(file string) (string, error) {
	return url.QueryUnescape(file)
}
