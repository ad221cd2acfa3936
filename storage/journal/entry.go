package journal

import (
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"
)

// Opcode values live at the top of the 32-bit range so a 4-byte discriminant
// can double as a data entry's payload length: lengths that large are
// impossible, so anything at or above OpMin is a control record.
type Opcode uint32

const (
	OpFooter      Opcode = 0xffffffff
	OpDbContext   Opcode = 0xfffffffe
	OpFileCreated Opcode = 0xfffffffd
	OpDropDb      Opcode = 0xfffffffc
	OpMin         Opcode = 0xfffff000
)

// File-number encoding: the low 31 bits carry the data file number, or
// NsFileNo meaning the namespace catalog file. The top bit flags "apply
// against the local database" instead of the active db context.
const (
	NsFileNo   uint32 = 0x7fffffff
	localDBBit uint32 = 0x80000000
)

// RecordKind is the decoded form of the discriminant.
type RecordKind uint8

const (
	RecordData RecordKind = iota
	RecordFooter
	RecordDbContext
	RecordFileCreated
	RecordDropDb
)

// KindOf classifies a raw discriminant, testing it against the documented
// numeric ranges rather than aliasing storage.
func KindOf(discriminant uint32) (RecordKind, error) {
	if discriminant < uint32(OpMin) {
		return RecordData, nil
	}

	switch Opcode(discriminant) {
	case OpFooter:
		return RecordFooter, nil
	case OpDbContext:
		return RecordDbContext, nil
	case OpFileCreated:
		return RecordFileCreated, nil
	case OpDropDb:
		return RecordDropDb, nil
	default:
		return 0, errors.Wrapf(UnknownOpcode, "discriminant 0x%08x", discriminant)
	}
}

// Entry is one recorded write inside a section. Len does not include the
// fixed entry header; the payload follows immediately after it.
type Entry struct {
	Len    uint32
	Ofs    uint32
	fileNo uint32
}

func (e *Entry) FileNo() uint32     { return e.fileNo &^ localDBBit }
func (e *Entry) SetFileNo(n uint32) { e.fileNo = n }
func (e *Entry) IsNsSuffix() bool   { return e.FileNo() == NsFileNo }

func (e *Entry) SetLocalDBContextBit()   { e.fileNo |= localDBBit }
func (e *Entry) ClearLocalDBContextBit() { e.fileNo = e.FileNo() }
func (e *Entry) IsLocalDBContext() bool  { return e.fileNo&localDBBit != 0 }

// Suffix renders a file number as the data file suffix it addresses.
func Suffix(fileNo uint32) string {
	if fileNo == NsFileNo {
		return "ns"
	}
	return strconv.FormatUint(uint64(fileNo), 10)
}

func (e *Entry) EncodedSize() int { return EntryHeaderSize }

func (e *Entry) EncodeInto(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], e.Len)
	binary.LittleEndian.PutUint32(b[4:], e.Ofs)
	binary.LittleEndian.PutUint32(b[8:], e.fileNo)
}

func DecodeEntry(b []byte) (Entry, error) {
	if len(b) < EntryHeaderSize {
		return Entry{}, errors.Wrapf(SectionTruncated, "entry header needs %d bytes, have %d", EntryHeaderSize, len(b))
	}

	return Entry{
		Len:    binary.LittleEndian.Uint32(b[0:]),
		Ofs:    binary.LittleEndian.Uint32(b[4:]),
		fileNo: binary.LittleEndian.Uint32(b[8:]),
	}, nil
}
