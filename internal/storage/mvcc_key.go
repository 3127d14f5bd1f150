package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/myuser/sqldb/internal/storage/keycode"
	"github.com/pkg/errors"
)

// MVCC key tags. Full keys and their prefixes share a tag so that a prefix
// encoding is always a byte-prefix of the full keys it selects.
const (
	tagNextVersion byte = 0x00
	tagTxnActive   byte = 0x01
	tagTxnWrite    byte = 0x02
	tagVersion     byte = 0x03
)

// MvccKeyKind identifies one of the MVCC key variants.
type MvccKeyKind byte

const (
	// KeyNextVersion holds the next version to hand out.
	KeyNextVersion = MvccKeyKind(tagNextVersion)
	// KeyTxnActive marks a version as belonging to an in-flight transaction.
	KeyTxnActive = MvccKeyKind(tagTxnActive)
	// KeyTxnWrite records a raw key written by a transaction, for rollback.
	KeyTxnWrite = MvccKeyKind(tagTxnWrite)
	// KeyVersion holds one version of a raw key.
	KeyVersion = MvccKeyKind(tagVersion)
)

func (k MvccKeyKind) String() string {
	switch k {
	case KeyNextVersion:
		return "NextVersion"
	case KeyTxnActive:
		return "TxnActive"
	case KeyTxnWrite:
		return "TxnWrite"
	case KeyVersion:
		return "Version"
	}
	return fmt.Sprintf("MvccKeyKind(%d)", byte(k))
}

// MvccKey is a fully specified key in the MVCC key space. Version is unused
// for KeyNextVersion and Key is unused for KeyNextVersion and KeyTxnActive.
type MvccKey struct {
	Kind    MvccKeyKind
	Version uint64
	Key     []byte
}

func NextVersionKey() MvccKey {
	return MvccKey{Kind: KeyNextVersion}
}

func TxnActiveKey(version uint64) MvccKey {
	return MvccKey{Kind: KeyTxnActive, Version: version}
}

func TxnWriteKey(version uint64, key []byte) MvccKey {
	return MvccKey{Kind: KeyTxnWrite, Version: version, Key: key}
}

func VersionKey(key []byte, version uint64) MvccKey {
	return MvccKey{Kind: KeyVersion, Version: version, Key: key}
}

// Encode returns the order-preserving byte encoding of k.
func (k MvccKey) Encode() []byte {
	switch k.Kind {
	case KeyNextVersion:
		return keycode.NewEncoder(1).Tag(tagNextVersion).Key()
	case KeyTxnActive:
		return keycode.NewEncoder(9).Tag(tagTxnActive).Uint64(k.Version).Key()
	case KeyTxnWrite:
		return keycode.NewEncoder(11 + len(k.Key)).Tag(tagTxnWrite).Uint64(k.Version).Bytes(k.Key).Key()
	case KeyVersion:
		return keycode.NewEncoder(11 + len(k.Key)).Tag(tagVersion).Bytes(k.Key).Uint64(k.Version).Key()
	}
	panic(fmt.Sprintf("unknown mvcc key kind %v", k.Kind))
}

func (k MvccKey) String() string {
	switch k.Kind {
	case KeyNextVersion:
		return "NextVersion"
	case KeyTxnActive:
		return fmt.Sprintf("TxnActive(%d)", k.Version)
	case KeyTxnWrite:
		return fmt.Sprintf("TxnWrite(%d, %q)", k.Version, k.Key)
	}
	return fmt.Sprintf("Version(%q, %d)", k.Key, k.Version)
}

// DecodeMvccKey decodes a full MVCC key. Prefix-only encodings are
// rejected, as is any trailing data. Errors wrap keycode.ErrDecode.
func DecodeMvccKey(b []byte) (MvccKey, error) {
	d := keycode.NewDecoder(b)
	tag, err := d.Tag()
	if err != nil {
		return MvccKey{}, err
	}

	var k MvccKey
	switch tag {
	case tagNextVersion:
		k = NextVersionKey()
	case tagTxnActive:
		v, err := d.Uint64()
		if err != nil {
			return MvccKey{}, err
		}
		k = TxnActiveKey(v)
	case tagTxnWrite:
		v, err := d.Uint64()
		if err != nil {
			return MvccKey{}, err
		}
		key, err := d.Bytes()
		if err != nil {
			return MvccKey{}, err
		}
		k = TxnWriteKey(v, key)
	case tagVersion:
		key, err := d.Bytes()
		if err != nil {
			return MvccKey{}, err
		}
		v, err := d.Uint64()
		if err != nil {
			return MvccKey{}, err
		}
		k = VersionKey(key, v)
	default:
		return MvccKey{}, errors.Wrapf(keycode.ErrDecode, "unknown mvcc key tag %#x", tag)
	}
	if err := d.Done(); err != nil {
		return MvccKey{}, err
	}
	return k, nil
}

// MvccKeyPrefix selects a family of MVCC keys for prefix scans. It can be
// encoded but never decoded.
type MvccKeyPrefix struct {
	Kind    MvccKeyKind
	Version uint64
	Key     []byte
}

func NextVersionPrefix() MvccKeyPrefix {
	return MvccKeyPrefix{Kind: KeyNextVersion}
}

// TxnActivePrefix selects every TxnActive key.
func TxnActivePrefix() MvccKeyPrefix {
	return MvccKeyPrefix{Kind: KeyTxnActive}
}

// TxnWritePrefix selects every TxnWrite key of one version.
func TxnWritePrefix(version uint64) MvccKeyPrefix {
	return MvccKeyPrefix{Kind: KeyTxnWrite, Version: version}
}

// VersionPrefix selects every version of one raw key.
func VersionPrefix(key []byte) MvccKeyPrefix {
	return MvccKeyPrefix{Kind: KeyVersion, Key: key}
}

func (p MvccKeyPrefix) Encode() []byte {
	switch p.Kind {
	case KeyNextVersion:
		return keycode.NewEncoder(1).Tag(tagNextVersion).Key()
	case KeyTxnActive:
		return keycode.NewEncoder(1).Tag(tagTxnActive).Key()
	case KeyTxnWrite:
		return keycode.NewEncoder(9).Tag(tagTxnWrite).Uint64(p.Version).Key()
	case KeyVersion:
		return keycode.NewEncoder(3 + len(p.Key)).Tag(tagVersion).Bytes(p.Key).Key()
	}
	panic(fmt.Sprintf("unknown mvcc key kind %v", p.Kind))
}

// versionKeyPrefix selects every version of every raw key that begins with
// prefix. Unlike VersionPrefix the raw prefix is left unterminated.
func versionKeyPrefix(prefix []byte) []byte {
	return keycode.NewEncoder(1 + len(prefix)).Tag(tagVersion).UnterminatedBytes(prefix).Key()
}

// Versioned cell values.
const (
	valueTombstone byte = 0x00
	valueLive      byte = 0x01
)

func encodeValue(value []byte, tombstone bool) []byte {
	if tombstone {
		return []byte{valueTombstone}
	}
	buf := make([]byte, 0, 1+len(value))
	buf = append(buf, valueLive)
	return append(buf, value...)
}

// decodeValue returns the stored value, or nil for a tombstone.
func decodeValue(b []byte) ([]byte, bool, error) {
	if len(b) == 0 {
		return nil, false, errors.Wrap(keycode.ErrDecode, "empty versioned value")
	}
	switch b[0] {
	case valueTombstone:
		if len(b) != 1 {
			return nil, false, errors.Wrap(keycode.ErrDecode, "tombstone with payload")
		}
		return nil, true, nil
	case valueLive:
		return append([]byte{}, b[1:]...), false, nil
	}
	return nil, false, errors.Wrapf(keycode.ErrDecode, "unknown value marker %#x", b[0])
}

func encodeVersion(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeVersion(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Wrapf(keycode.ErrDecode, "version value of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
