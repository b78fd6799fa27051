package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	sidecarSuffix = ".meta.json"
	tempPattern   = ".upload-*"
)

// localStore writes each object next to a JSON sidecar holding its
// content type and metadata. Keys are slash-separated and relative.
type localStore struct {
	root string
}

type sidecar struct {
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Written     time.Time         `json:"written"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func newLocalStore(dir string) (*localStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("exports.local.directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	return &localStore{root: dir}, nil
}

func (s *localStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return ObjectInfo{}, fmt.Errorf("create export directory: %w", err)
	}

	size, err := writeAtomic(path, body)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("write export %s: %w", key, err)
	}
	meta := sidecar{ContentType: opts.ContentType, Size: size, Written: time.Now().UTC(), Metadata: opts.Metadata}
	raw, err := json.Marshal(meta)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := os.WriteFile(path+sidecarSuffix, raw, 0o640); err != nil {
		return ObjectInfo{}, fmt.Errorf("write export metadata %s: %w", key, err)
	}
	return meta.info(key), nil
}

func (s *localStore) Get(_ context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	meta, err := readSidecar(path)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ObjectInfo{}, ErrNotFound
	}
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return file, meta.info(key), nil
}

func (s *localStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var out []ObjectInfo
	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, sidecarSuffix) {
			return nil
		}
		objectPath := strings.TrimSuffix(path, sidecarSuffix)
		meta, err := readSidecar(objectPath)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, objectPath)
		if err != nil {
			return err
		}
		out = append(out, meta.info(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

func (s *localStore) Delete(_ context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + sidecarSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// resolve maps key to a path under root and refuses anything that would
// escape it.
func (s *localStore) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid key: %s", key)
	}
	return filepath.Join(s.root, cleaned), nil
}

func writeAtomic(path string, body io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPattern)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, err
	}
	return n, os.Rename(tmp.Name(), path)
}

func readSidecar(objectPath string) (sidecar, error) {
	raw, err := os.ReadFile(objectPath + sidecarSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return sidecar{}, ErrNotFound
	}
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return sidecar{}, fmt.Errorf("decode export metadata: %w", err)
	}
	return meta, nil
}

func (m sidecar) info(key string) ObjectInfo {
	return ObjectInfo{Key: key, Size: m.Size, ContentType: m.ContentType, Modified: m.Written, Metadata: m.Metadata}
}
