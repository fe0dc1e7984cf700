package registry

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"OnnxAsyncDet/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS models (
    name TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    source_url TEXT NOT NULL DEFAULT '',
    sha256 TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    fetched_at TEXT NOT NULL
);
`

var ErrNotFound = errors.New("model not found")

type Model struct {
	Name      string
	Path      string
	SourceURL string
	SHA256    string
	SizeBytes int64
	FetchedAt time.Time
}

// Registry is the local model cache: files in one directory plus a sqlite
// index so repeated starts skip the download.
type Registry struct {
	db     *sql.DB
	dir    string
	client *resty.Client
}

func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "models.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Registry{
		db:     db,
		dir:    dir,
		client: resty.New().SetTimeout(5 * time.Minute),
	}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Ensure returns a local path for name, downloading from url on a cache
// miss. An index row whose file has gone missing triggers a refetch.
func (r *Registry) Ensure(name, url string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("model name cannot be empty")
	}
	if m, err := r.Get(name); err == nil {
		if _, statErr := os.Stat(m.Path); statErr == nil {
			return m.Path, nil
		}
		logger.Log().Warn("cached model file missing, refetching", zap.String("name", name))
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if url == "" {
		return "", fmt.Errorf("model %s is not cached and no url is configured", name)
	}

	dest := filepath.Join(r.dir, name)
	resp, err := r.client.R().SetOutput(dest).Get(url)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("download %s: server returned %s", name, resp.Status())
	}
	sum, size, err := fileDigest(dest)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", name, err)
	}
	m := &Model{
		Name:      name,
		Path:      dest,
		SourceURL: url,
		SHA256:    sum,
		SizeBytes: size,
		FetchedAt: time.Now().UTC(),
	}
	if err := r.Put(m); err != nil {
		return "", err
	}
	logger.Log().Info("model fetched",
		zap.String("name", name), zap.Int64("bytes", size), zap.String("sha256", sum))
	return dest, nil
}

// Put records or replaces one index row. Used by Ensure and by the upload
// endpoint after a file lands in the cache dir.
func (r *Registry) Put(m *Model) error {
	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO models (name, path, source_url, sha256, size_bytes, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.Name, m.Path, m.SourceURL, m.SHA256, m.SizeBytes, m.FetchedAt.Format(time.RFC3339),
	)
	return err
}

func (r *Registry) Get(name string) (*Model, error) {
	var m Model
	var fetched string
	err := r.db.QueryRow(
		`SELECT name, path, source_url, sha256, size_bytes, fetched_at FROM models WHERE name = ?`,
		name,
	).Scan(&m.Name, &m.Path, &m.SourceURL, &m.SHA256, &m.SizeBytes, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
	return &m, nil
}

func (r *Registry) List() ([]*Model, error) {
	rows, err := r.db.Query(
		`SELECT name, path, source_url, sha256, size_bytes, fetched_at FROM models ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		var m Model
		var fetched string
		if err := rows.Scan(&m.Name, &m.Path, &m.SourceURL, &m.SHA256, &m.SizeBytes, &fetched); err != nil {
			return nil, err
		}
		m.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
		models = append(models, &m)
	}
	return models, rows.Err()
}

// Dir is where cached model files live.
func (r *Registry) Dir() string {
	return r.dir
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
