package journal

import (
	"crypto/md5"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// On-disk sizes. All multi-byte integers are little-endian.
const (
	FileHeaderSize    = 8192
	SectionHeaderSize = 20
	EntryHeaderSize   = 12
	SectionFooterSize = 32
	LSNRecordSize     = 88

	// CurrentVersion reads as ascii ("AG") when the file is viewed with a
	// text tool. Incrementing it forward is safe.
	CurrentVersion = 0x4147

	DigestSize = md5.Size
)

// FileHeader byte offsets.
const (
	fhMagicOfs    = 0
	fhVersionOfs  = 2
	fhTSOfs       = 5
	fhPathOfs     = 26
	fhFileIDOfs   = 156
	fhTrailerOfs  = FileHeaderSize - 2
	fhTSLen       = 20
	fhPathLen     = 128
	fhReservedLen = 8026
)

var (
	HeaderInvalid    = errors.New("journal file header invalid")
	VersionMismatch  = errors.New("journal file version mismatch")
	ChecksumMismatch = errors.New("section checksum mismatch")
	SectionTruncated = errors.New("section truncated")
	UnknownOpcode    = errors.New("unknown opcode in section body")
)

// FileHeader sits at the start of every journal file. The timestamp and path
// are diagnostic only, so the header stays readable as plain text.
type FileHeader struct {
	Magic   [2]byte
	Version uint16
	TS      string
	Path    string
	FileID  uint64
	Trailer [2]byte
}

// NewFileHeader fills in a header for a freshly (re)initialized file slot.
// fileID must be nonzero and unique per incarnation of the file.
func NewFileHeader(path string, fileID uint64) FileHeader {
	return FileHeader{
		Magic:   [2]byte{'j', '\n'},
		Version: CurrentVersion,
		TS:      time.Now().UTC().Format("2006-01-02 15:04:05"),
		Path:    path,
		FileID:  fileID,
		Trailer: [2]byte{'\n', '\n'},
	}
}

// Valid reports whether magic, trailer and file id look like a journal file
// header. It deliberately does not look at the version; see VersionOK.
func (h *FileHeader) Valid() bool {
	return h.Magic[0] == 'j' && h.Trailer[1] == '\n' && h.FileID != 0
}

// VersionOK reports whether the stored version equals CurrentVersion. A
// mismatch on an otherwise valid header is a separate, possibly recoverable
// condition and is left to the caller to act on.
func (h *FileHeader) VersionOK() bool {
	return h.Version == CurrentVersion
}

func (h *FileHeader) EncodedSize() int { return FileHeaderSize }

func (h *FileHeader) EncodeInto(b []byte) {
	_ = b[FileHeaderSize-1]

	copy(b[fhMagicOfs:], h.Magic[:])
	binary.LittleEndian.PutUint16(b[fhVersionOfs:], h.Version)
	b[4] = '\n'
	copyPadded(b[fhTSOfs:fhTSOfs+fhTSLen], h.TS)
	b[fhTSOfs+fhTSLen] = '\n'
	copyPadded(b[fhPathOfs:fhPathOfs+fhPathLen], h.Path)
	b[fhPathOfs+fhPathLen] = '\n'
	b[fhPathOfs+fhPathLen+1] = '\n'
	binary.LittleEndian.PutUint64(b[fhFileIDOfs:], h.FileID)
	zero(b[fhFileIDOfs+8 : fhTrailerOfs])
	copy(b[fhTrailerOfs:], h.Trailer[:])
}

func (h *FileHeader) Encode() []byte {
	b := make([]byte, FileHeaderSize)
	h.EncodeInto(b)
	return b
}

func DecodeFileHeader(b []byte) (FileHeader, error) {
	if len(b) < FileHeaderSize {
		return FileHeader{}, errors.Wrapf(SectionTruncated, "file header needs %d bytes, have %d", FileHeaderSize, len(b))
	}

	var h FileHeader
	copy(h.Magic[:], b[fhMagicOfs:])
	h.Version = binary.LittleEndian.Uint16(b[fhVersionOfs:])
	h.TS = trimPadding(b[fhTSOfs : fhTSOfs+fhTSLen])
	h.Path = trimPadding(b[fhPathOfs : fhPathOfs+fhPathLen])
	h.FileID = binary.LittleEndian.Uint64(b[fhFileIDOfs:])
	copy(h.Trailer[:], b[fhTrailerOfs:])

	return h, nil
}

// SectionHeader opens each group-commit section. Len counts the whole
// section, header and footer included; it is the one field written after the
// body is complete, so it sits outside the footer's hashed range.
type SectionHeader struct {
	Len       uint32
	SeqNumber uint64
	FileID    uint64
}

func (h *SectionHeader) EncodedSize() int { return SectionHeaderSize }

func (h *SectionHeader) EncodeInto(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.Len)
	binary.LittleEndian.PutUint64(b[4:], h.SeqNumber)
	binary.LittleEndian.PutUint64(b[12:], h.FileID)
}

func DecodeSectionHeader(b []byte) (SectionHeader, error) {
	if len(b) < SectionHeaderSize {
		return SectionHeader{}, errors.Wrapf(SectionTruncated, "section header needs %d bytes, have %d", SectionHeaderSize, len(b))
	}

	return SectionHeader{
		Len:       binary.LittleEndian.Uint32(b[0:]),
		SeqNumber: binary.LittleEndian.Uint64(b[4:]),
		FileID:    binary.LittleEndian.Uint64(b[12:]),
	}, nil
}

// SectionFooter closes a section. The digest covers the section body: every
// byte strictly after the SectionHeader up to where the footer begins. The
// header is excluded because its length field is patched in after hashing,
// and the footer cannot hash itself.
type SectionFooter struct {
	Sentinel uint32
	Digest   [DigestSize]byte
	Reserved uint64
	Magic    [4]byte
}

// NewSectionFooter hashes the section built so far (header plus body, footer
// not yet appended) and returns the finished footer.
func NewSectionFooter(section []byte) SectionFooter {
	f := SectionFooter{
		Sentinel: uint32(OpFooter),
		Magic:    [4]byte{'\n', '\n', '\n', '\n'},
	}
	f.Digest = md5.Sum(section[SectionHeaderSize:])
	return f
}

// CheckHash recomputes the digest over a complete section (header, body and
// footer) and compares it against the stored one. A mismatch condemns the
// whole section: none of its entries may be applied.
func (f *SectionFooter) CheckHash(section []byte) bool {
	if len(section) < SectionHeaderSize+SectionFooterSize {
		return false
	}

	current := md5.Sum(section[SectionHeaderSize : len(section)-SectionFooterSize])
	return current == f.Digest
}

func (f *SectionFooter) EncodedSize() int { return SectionFooterSize }

func (f *SectionFooter) EncodeInto(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], f.Sentinel)
	copy(b[4:], f.Digest[:])
	binary.LittleEndian.PutUint64(b[20:], f.Reserved)
	copy(b[28:], f.Magic[:])
}

func DecodeSectionFooter(b []byte) (SectionFooter, error) {
	if len(b) < SectionFooterSize {
		return SectionFooter{}, errors.Wrapf(SectionTruncated, "section footer needs %d bytes, have %d", SectionFooterSize, len(b))
	}

	var f SectionFooter
	f.Sentinel = binary.LittleEndian.Uint32(b[0:])
	copy(f.Digest[:], b[4:20])
	f.Reserved = binary.LittleEndian.Uint64(b[20:])
	copy(f.Magic[:], b[28:32])

	return f, nil
}

func copyPadded(dst []byte, s string) {
	n := copy(dst, s)
	zero(dst[n:])
}

func trimPadding(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
