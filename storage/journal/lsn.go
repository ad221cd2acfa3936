package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// The lsn record remembers the sequence number of the most recent durable
// section so recovery can skip sections it already applied. It is a start-up
// optimization only and never replaces per-section checksum validation.
//
// Layout: version(4) | reserved(4) | lsn(8) | checkbytes(8) | reserved(64).
// checkbytes is the murmur3 64-bit hash of the little-endian lsn bytes; a
// torn or stale write of the record fails the check instead of handing a
// garbage sequence number to recovery.

const (
	lsnFileName = "lsn"
	lsnVersion  = 1
)

var LSNInvalid = errors.New("lsn record invalid")

func lsnCheckBytes(lsn uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], lsn)
	return murmur3.Sum64(b[:])
}

func EncodeLSN(lsn uint64) []byte {
	b := make([]byte, LSNRecordSize)
	binary.LittleEndian.PutUint32(b[0:], lsnVersion)
	binary.LittleEndian.PutUint64(b[8:], lsn)
	binary.LittleEndian.PutUint64(b[16:], lsnCheckBytes(lsn))
	return b
}

// DecodeLSN reports the stored sequence number, or an error when the record
// cannot be trusted. It never returns a number that failed verification.
func DecodeLSN(b []byte) (uint64, error) {
	if len(b) < LSNRecordSize {
		return 0, errors.Wrapf(LSNInvalid, "needs %d bytes, have %d", LSNRecordSize, len(b))
	}

	if v := binary.LittleEndian.Uint32(b[0:]); v != lsnVersion {
		return 0, errors.Wrapf(LSNInvalid, "version %d", v)
	}

	lsn := binary.LittleEndian.Uint64(b[8:])
	check := binary.LittleEndian.Uint64(b[16:])

	if check != lsnCheckBytes(lsn) {
		return 0, errors.Wrap(LSNInvalid, "checkbytes mismatch")
	}

	return lsn, nil
}

// WriteLSNFile overwrites the single live lsn record for the journal dir.
func WriteLSNFile(dir string, lsn uint64) error {
	return os.WriteFile(filepath.Join(dir, lsnFileName), EncodeLSN(lsn), 0o666)
}

func ReadLSNFile(dir string) (uint64, error) {
	b, err := os.ReadFile(filepath.Join(dir, lsnFileName))
	if err != nil {
		return 0, err
	}

	return DecodeLSN(b)
}
