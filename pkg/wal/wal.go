package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quillstore/quill/pkg/log"
	"github.com/quillstore/quill/pkg/types"
)

// WAL is the append-only durable record of accepted-but-unflushed writes.
// Records are line-delimited JSON; the file is truncated by atomic rewrite
// once the flush that covers a prefix has committed to every shard.
//
// Append ordering matches buffer ordering: the engine appends here first,
// then to the in-memory buffer, so recovery can rebuild the buffer exactly.
type WAL struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	safeMode bool
	// count tracks records currently in the file (replayed + appended).
	count int
	bytes int64
}

// Open opens (or creates) the WAL file under dataDir. safeMode enables
// fsync on Sync calls; with it off, durability rides on the OS cache.
func Open(dataDir string, safeMode bool) (*WAL, error) {
	path := filepath.Join(dataDir, "buffer.wal")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat wal: %w", err)
	}
	return &WAL{
		path:     path,
		file:     file,
		writer:   bufio.NewWriter(file),
		safeMode: safeMode,
		bytes:    info.Size(),
	}, nil
}

// Append writes one record. On failure the write must not be accepted by
// the caller.
func (w *WAL) Append(rec *types.BufferedWrite) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return types.WrapError(types.ErrDurable, "wal_append_failed_fatal", "marshal wal record", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return types.NewError(types.ErrDurable, "wal_append_failed_fatal", "wal is closed")
	}
	if _, err := w.writer.Write(data); err != nil {
		return types.WrapError(types.ErrDurable, "wal_append_failed_fatal", "wal write failed", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return types.WrapError(types.ErrDurable, "wal_append_failed_fatal", "wal write failed", err)
	}
	w.count++
	w.bytes += int64(len(data) + 1)
	return nil
}

// Sync flushes buffered records and, in safe mode, fsyncs the file. The
// engine calls this at least once per flush interval and on buffer
// overflow.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if w.file == nil {
		return types.NewError(types.ErrDurable, "wal_append_failed_fatal", "wal is closed")
	}
	if err := w.writer.Flush(); err != nil {
		return types.WrapError(types.ErrDurable, "wal_append_failed_fatal", "wal flush failed", err)
	}
	if !w.safeMode {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return types.WrapError(types.ErrDurable, "wal_append_failed_fatal", "wal fsync failed", err)
	}
	return nil
}

// Replay reads every intact record in order. A torn trailing line (from a
// crash mid-append) is skipped with a warning; anything torn in the
// middle of the file is reported as corruption.
func (w *WAL) Replay() ([]*types.BufferedWrite, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.syncLocked(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wal: %w", err)
	}

	var out []*types.BufferedWrite
	lines := bytes.Split(raw, []byte("\n"))
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec types.BufferedWrite
		if err := json.Unmarshal(line, &rec); err != nil {
			if i >= len(lines)-2 {
				walLog := log.WithComponent("wal")
				walLog.Warn().
					Int("line", i+1).
					Msg("skipping torn trailing wal record")
				break
			}
			return nil, types.WrapError(types.ErrDurable, "wal_corrupt",
				fmt.Sprintf("wal record %d is corrupt", i+1), err)
		}
		out = append(out, &rec)
	}
	w.count = len(out)
	return out, nil
}

// Truncate removes the oldest n records after a successful flush. The
// surviving suffix is rewritten to a temp file and atomically renamed
// over the log, so a crash during truncation never loses a record.
func (w *WAL) Truncate(n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("failed to read wal: %w", err)
	}

	remaining := raw
	for i := 0; i < n && len(remaining) > 0; i++ {
		idx := bytes.IndexByte(remaining, '\n')
		if idx < 0 {
			remaining = nil
			break
		}
		remaining = remaining[idx+1:]
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, remaining, 0600); err != nil {
		return types.WrapError(types.ErrDurable, "wal_truncate_failed", "wal rewrite failed", err)
	}
	if err := w.file.Close(); err != nil {
		return types.WrapError(types.ErrDurable, "wal_truncate_failed", "wal close failed", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return types.WrapError(types.ErrDurable, "wal_truncate_failed", "wal rename failed", err)
	}
	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return types.WrapError(types.ErrDurable, "wal_truncate_failed", "wal reopen failed", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.count -= n
	if w.count < 0 {
		w.count = 0
	}
	w.bytes = int64(len(remaining))
	if w.safeMode {
		if err := w.file.Sync(); err != nil {
			return types.WrapError(types.ErrDurable, "wal_truncate_failed", "wal fsync failed", err)
		}
	}
	return nil
}

// Count returns the number of records believed to be in the file.
func (w *WAL) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Size returns the file size in bytes as tracked by appends.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}

// Close flushes and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}
