package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"historian/internal/record"
	"historian/internal/store"
)

// checkpoint is the on-disk snapshot: the full version history of every
// collection, msgpack-encoded and zstd-compressed.
type checkpoint struct {
	SavedAt     time.Time
	Collections map[string]map[string][]record.Record
}

// Checkpoint writes the store's full contents to path atomically
// (temp file + rename).
func (s *Store) Checkpoint(path string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return store.ErrClosed
	}
	cp := checkpoint{
		SavedAt:     time.Now().UTC(),
		Collections: make(map[string]map[string][]record.Record, len(s.collections)),
	}
	for name, coll := range s.collections {
		copied := make(map[string][]record.Record, len(coll))
		for id, versions := range coll {
			copied[id] = append([]record.Record(nil), versions...)
		}
		cp.Collections[name] = copied
	}
	s.mu.RUnlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := msgpack.NewEncoder(enc).Encode(cp); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush zstd: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	s.logger.Info("checkpoint written", "path", path)
	return nil
}

// Restore replaces the store's contents from a checkpoint file.
// A missing file is not an error; the store simply starts empty.
func (s *Store) Restore(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	var cp checkpoint
	if err := msgpack.NewDecoder(dec).Decode(&cp); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if cp.Collections == nil {
		cp.Collections = make(map[string]map[string][]record.Record)
	}
	s.collections = cp.Collections

	s.logger.Info("checkpoint restored", "path", path, "saved_at", cp.SavedAt)
	return nil
}
