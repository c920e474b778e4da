package embedcache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// SQLiteStore is a persistent embedding store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// OpenSQLiteStore opens or creates the cache database at dbPath.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the driver serialises anyway
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, dbPath: dbPath}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	version, err := store.getMetadata("version")
	switch {
	case err != nil:
		if err := store.setMetadata("version", schemaVersion); err != nil {
			db.Close()
			return nil, err
		}
		if err := store.setMetadata("created_at", time.Now().Format(time.RFC3339)); err != nil {
			db.Close()
			return nil, err
		}
	case version != schemaVersion:
		db.Close()
		return nil, fmt.Errorf("embedding cache %s has schema version %s, want %s", dbPath, version, schemaVersion)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		backbone TEXT NOT NULL,
		ref TEXT NOT NULL,
		file_mtime INTEGER NOT NULL,
		file_size INTEGER NOT NULL,
		dims INTEGER NOT NULL,
		vector BLOB NOT NULL,
		PRIMARY KEY (backbone, ref)
	);

	CREATE INDEX IF NOT EXISTS idx_backbone ON embeddings(backbone);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key Key, stamp Stamp) ([]float32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		mtime, size int64
		dims        int
		blob        []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT file_mtime, file_size, dims, vector FROM embeddings
		WHERE backbone = ? AND ref = ?
	`, string(key.Backbone), key.Ref).Scan(&mtime, &size, &dims, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read embedding: %w", err)
	}

	if mtime != stamp.ModTime || size != stamp.Size {
		return nil, false, nil
	}
	vec := decodeVector(blob)
	if len(vec) != dims {
		return nil, false, nil
	}
	return vec, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key Key, stamp Stamp, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embeddings (backbone, ref, file_mtime, file_size, dims, vector)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(key.Backbone), key.Ref, stamp.ModTime, stamp.Size, len(vector), encodeVector(vector))
	return err
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM embeddings`)
	return err
}

func (s *SQLiteStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&count); err != nil {
		return 0
	}
	return count
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// getMetadata retrieves a metadata value
func (s *SQLiteStore) getMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("metadata key not found: %s", key)
	}
	return value, err
}

// setMetadata stores a metadata value
func (s *SQLiteStore) setMetadata(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO metadata (key, value)
		VALUES (?, ?)
	`, key, value)
	return err
}

// encodeVector encodes a float32 slice to little-endian binary
func encodeVector(v []float32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// decodeVector decodes little-endian binary data to a float32 slice
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
	return v
}
