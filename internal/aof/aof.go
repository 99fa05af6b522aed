// Package aof implements the append-only command log (§4.6): durable
// per-mutation writes with a configurable fsync policy, and crash-safe
// sequential replay that tolerates a truncated trailing record.
//
// Record layout: body_len(varint) | body | crc32(4, of body), where body
// is opcode(1) | key_len(varint) | key | value (encoded via [zdb]). This
// mirrors a WAL's footer-checksum discipline but moves the CRC to
// per-record granularity: the AOF is appended to continuously rather
// than rewritten as one batch, so replay needs to tell "this record is
// corrupt" apart from "this record is an incomplete tail" at every
// record, not just at the end of a single WAL file.
package aof

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	zfs "github.com/zumic/zumic/pkg/fs"
	"github.com/zumic/zumic/pkg/varint"
	"github.com/zumic/zumic/pkg/zdb"
)

// Opcode identifies the mutation an AOF record represents.
type Opcode byte

const (
	OpSet Opcode = 1
	OpDel Opcode = 2
)

// FsyncPolicyKind selects how often [Writer.Append] durably syncs to disk.
type FsyncPolicyKind int

const (
	// FsyncAlways fsyncs after every record (safest, slowest).
	FsyncAlways FsyncPolicyKind = iota
	// FsyncEveryN fsyncs after every N records.
	FsyncEveryN
	// FsyncPerInterval fsyncs at most once per configured duration.
	FsyncPerInterval
)

// FsyncPolicy configures [FsyncPolicyKind] and its parameter. This is a
// deliberate configuration choice, not a global default (§9): durability
// and latency trade off against each other and the operator picks.
type FsyncPolicy struct {
	Kind     FsyncPolicyKind
	N        int           // used when Kind == FsyncEveryN
	Interval time.Duration // used when Kind == FsyncPerInterval
}

// ErrClosed is returned by Append after [Writer.Close].
var ErrClosed = errors.New("aof: writer closed")

// Writer appends records to a single AOF segment under a writer lock.
// Append returns only once the write has reached the configured
// durability boundary (§4.6).
type Writer struct {
	mu     sync.Mutex
	file   zfs.File
	ver    zdb.FormatVersion
	policy FsyncPolicy

	closed       bool
	sinceSync    int
	lastSyncTime time.Time
	now          func() time.Time
}

// NewWriter opens (creating if necessary) the AOF segment at path in
// append mode and returns a [Writer] targeting format version ver for
// new records.
func NewWriter(fsys zfs.FS, path string, ver zdb.FormatVersion, policy FsyncPolicy) (*Writer, error) {
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("aof: opening segment: %w", err)
	}

	return &Writer{
		file:   f,
		ver:    ver,
		policy: policy,
		now:    time.Now,
	}, nil
}

// Append serializes one record and writes it atomically (one write
// syscall) under the writer lock, then fsyncs per policy.
func (w *Writer) Append(opcode Opcode, key []byte, value zdb.Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	record, err := encodeRecord(opcode, key, value, w.ver)
	if err != nil {
		return err
	}

	if _, err := w.file.Write(record); err != nil {
		return fmt.Errorf("aof: writing record: %w", err)
	}

	return w.maybeSyncLocked()
}

func (w *Writer) maybeSyncLocked() error {
	w.sinceSync++

	due := false
	switch w.policy.Kind {
	case FsyncAlways:
		due = true
	case FsyncEveryN:
		n := w.policy.N
		if n <= 0 {
			n = 1
		}
		due = w.sinceSync >= n
	case FsyncPerInterval:
		due = w.now().Sub(w.lastSyncTime) >= w.policy.Interval
	}

	if !due {
		return nil
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("aof: fsync: %w", err)
	}

	w.sinceSync = 0
	w.lastSyncTime = w.now()
	return nil
}

// Sync forces an fsync regardless of policy, e.g. before a graceful
// shutdown flush.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	return w.file.Sync()
}

// Close flushes and closes the underlying segment file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("aof: fsync on close: %w", err)
	}

	return w.file.Close()
}

func encodeRecord(opcode Opcode, key []byte, value zdb.Value, ver zdb.FormatVersion) ([]byte, error) {
	var body bytes.Buffer
	body.WriteByte(byte(opcode))

	if _, err := varint.Write(&body, uint64(len(key))); err != nil {
		return nil, fmt.Errorf("aof: encoding key length: %w", err)
	}
	if _, err := body.Write(key); err != nil {
		return nil, fmt.Errorf("aof: writing key: %w", err)
	}
	if _, err := zdb.WriteValue(&body, value, ver); err != nil {
		return nil, fmt.Errorf("aof: encoding value: %w", err)
	}

	bodyBytes := body.Bytes()
	crc := crc32.ChecksumIEEE(bodyBytes)

	var out bytes.Buffer
	if _, err := varint.Write(&out, uint64(len(bodyBytes))); err != nil {
		return nil, fmt.Errorf("aof: encoding record length: %w", err)
	}
	out.Write(bodyBytes)

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	out.Write(crcBuf[:])

	return out.Bytes(), nil
}
