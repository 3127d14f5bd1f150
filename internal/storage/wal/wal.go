package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HeaderSize is the fixed record header: key length (u32) + value length (i32).
const HeaderSize = 8

const tombstoneLen = int32(-1)

const bufferSize = 64 << 10

var (
	// ErrLocked is returned when another process holds the log file.
	ErrLocked = errors.New("wal: log file locked by another process")
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("wal: log closed")
)

// Log is an append-only file of key/value records.
// Record format: KeyLen(4, BE u32) | ValueLen(4, BE i32, -1 = tombstone) | Key | Value
// There is no file header and no checksum.
type Log struct {
	f    *os.File
	path string
	size int64

	// buf holds records from AppendBuffered not yet written to f.
	buf   *bufio.Writer
	syncs int // fsyncs issued, for tests
}

// Entry describes one replayed record. ValueOffset and ValueSize locate the
// value bytes in the file; they are zero for tombstones.
type Entry struct {
	Key         []byte
	ValueOffset int64
	ValueSize   uint32
	Tombstone   bool
}

// Open opens or creates the log at path, creating parent directories as
// needed, and takes an exclusive advisory lock on it.
func Open(path string) (*Log, error) {
	return open(path, os.O_CREATE|os.O_RDWR)
}

// Create is like Open but truncates any existing file.
func Create(path string) (*Log, error) {
	return open(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
}

func open(path string, flag int) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "create log dir %s", dir)
		}
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log %s", path)
	}
	if err := tryLockExclusive(f); err != nil {
		f.Close()
		if err == errWouldBlock {
			return nil, errors.Wrap(ErrLocked, path)
		}
		return nil, errors.Wrapf(err, "lock log %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		unlockFile(f)
		f.Close()
		return nil, errors.Wrapf(err, "stat log %s", path)
	}
	return &Log{
		f:    f,
		path: path,
		size: fi.Size(),
	}, nil
}

// Path returns the current file path.
func (l *Log) Path() string {
	return l.path
}

// Size returns the file size, which is also the offset of the next record.
func (l *Log) Size() int64 {
	return l.size
}

// Append writes a live record and syncs it. It returns the offset and size
// of the value within the file.
func (l *Log) Append(key, value []byte) (int64, uint32, error) {
	offset, err := l.write(key, value, int32(len(value)))
	if err != nil {
		return 0, 0, err
	}
	return offset + HeaderSize + int64(len(key)), uint32(len(value)), nil
}

// AppendTombstone writes a deletion record for key and syncs it.
func (l *Log) AppendTombstone(key []byte) error {
	_, err := l.write(key, nil, tombstoneLen)
	return err
}

// AppendBuffered writes a live record without syncing. The record reaches
// the file on the next Sync or synced append; until Sync returns it is not
// durable. Used for bulk rewrites such as compaction.
func (l *Log) AppendBuffered(key, value []byte) (int64, uint32, error) {
	if l.f == nil {
		return 0, 0, ErrClosed
	}
	if l.buf == nil {
		l.buf = bufio.NewWriterSize(io.NewOffsetWriter(l.f, l.size), bufferSize)
	}
	offset := l.size
	if _, err := l.buf.Write(encodeRecord(key, value, int32(len(value)))); err != nil {
		l.buf = nil
		return 0, 0, errors.Wrapf(err, "write log %s at %d", l.path, offset)
	}
	l.size += int64(HeaderSize + len(key) + len(value))
	return offset + HeaderSize + int64(len(key)), uint32(len(value)), nil
}

// Sync writes out buffered records and fsyncs the file.
func (l *Log) Sync() error {
	if l.f == nil {
		return ErrClosed
	}
	if err := l.flush(); err != nil {
		return err
	}
	return l.sync()
}

func (l *Log) flush() error {
	if l.buf == nil {
		return nil
	}
	err := l.buf.Flush()
	l.buf = nil
	return errors.Wrapf(err, "flush log %s", l.path)
}

func (l *Log) sync() error {
	l.syncs++
	return errors.Wrapf(l.f.Sync(), "sync log %s", l.path)
}

func encodeRecord(key, value []byte, valueLen int32) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(key)+len(value))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(key)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(valueLen))
	buf = append(buf, key...)
	return append(buf, value...)
}

// write appends one record at the end of the file and syncs it. A failed
// write leaves l.size unchanged, so the next append overwrites the partial
// record.
func (l *Log) write(key, value []byte, valueLen int32) (int64, error) {
	if l.f == nil {
		return 0, ErrClosed
	}
	if err := l.flush(); err != nil {
		return 0, err
	}
	buf := encodeRecord(key, value, valueLen)
	offset := l.size
	if _, err := l.f.WriteAt(buf, offset); err != nil {
		return 0, errors.Wrapf(err, "write log %s at %d", l.path, offset)
	}
	if err := l.sync(); err != nil {
		return 0, err
	}
	l.size += int64(len(buf))
	return offset, nil
}

// ReadValue reads size bytes at offset.
func (l *Log) ReadValue(offset int64, size uint32) ([]byte, error) {
	if l.f == nil {
		return nil, ErrClosed
	}
	if err := l.flush(); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := l.f.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrapf(err, "read log %s at %d", l.path, offset)
	}
	return buf, nil
}

// Replay reads every record from the start of the file and calls handler for
// each, in file order. A torn record at the tail (from a crash mid-append)
// ends the replay; the file is truncated back to the last whole record so
// that later appends remain readable.
func (l *Log) Replay(handler func(e Entry) error) error {
	if l.f == nil {
		return ErrClosed
	}
	if err := l.flush(); err != nil {
		return err
	}
	r := bufio.NewReader(io.NewSectionReader(l.f, 0, l.size))
	var offset int64
	header := make([]byte, HeaderSize)

	for offset < l.size {
		if _, err := io.ReadFull(r, header); err != nil {
			return l.truncateTail(offset, err)
		}
		keyLen := binary.BigEndian.Uint32(header[0:4])
		valueLen := int32(binary.BigEndian.Uint32(header[4:8]))
		if valueLen < tombstoneLen {
			return errors.Errorf("wal: corrupt record at %d in %s: value length %d", offset, l.path, valueLen)
		}

		if offset+HeaderSize+int64(keyLen) > l.size {
			return l.truncateTail(offset, io.ErrUnexpectedEOF)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return l.truncateTail(offset, err)
		}

		e := Entry{Key: key}
		recordSize := int64(HeaderSize) + int64(keyLen)
		if valueLen == tombstoneLen {
			e.Tombstone = true
		} else {
			if _, err := r.Discard(int(valueLen)); err != nil {
				return l.truncateTail(offset, err)
			}
			e.ValueOffset = offset + recordSize
			e.ValueSize = uint32(valueLen)
			recordSize += int64(valueLen)
		}

		if err := handler(e); err != nil {
			return err
		}
		offset += recordSize
	}
	return nil
}

func (l *Log) truncateTail(offset int64, cause error) error {
	if cause != io.EOF && cause != io.ErrUnexpectedEOF {
		return errors.Wrapf(cause, "replay log %s at %d", l.path, offset)
	}
	zap.L().Warn("truncating torn record at log tail",
		zap.String("path", l.path),
		zap.Int64("offset", offset),
		zap.Int64("dropped", l.size-offset))
	if err := l.f.Truncate(offset); err != nil {
		return errors.Wrapf(err, "truncate log %s", l.path)
	}
	if err := l.f.Sync(); err != nil {
		return errors.Wrapf(err, "sync log %s", l.path)
	}
	l.size = offset
	return nil
}

// Rename moves the log file to path and syncs the parent directory so the
// new name survives a crash. If only the directory sync fails, Path already
// returns the new name. The lock stays held since it belongs to the open
// file, not the name.
func (l *Log) Rename(path string) error {
	if err := os.Rename(l.path, path); err != nil {
		return errors.Wrapf(err, "rename %s to %s", l.path, path)
	}
	l.path = path
	return syncDir(filepath.Dir(path))
}

// Close writes out buffered records, releases the lock and closes the file.
func (l *Log) Close() error {
	if l.f == nil {
		return nil
	}
	ferr := l.flush()
	unlockFile(l.f)
	err := l.f.Close()
	l.f = nil
	if ferr != nil {
		return ferr
	}
	return err
}

// Remove closes the log and deletes its file.
func (l *Log) Remove() error {
	l.Close()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove log %s", l.path)
	}
	return nil
}
