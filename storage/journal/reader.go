package journal

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

// SectionRecord is one decoded record of a section body.
type SectionRecord struct {
	Kind RecordKind

	// Data records.
	Entry   Entry
	Payload []byte
	DB      string // context in effect when the entry was written

	// DbContext / FileCreated / DropDb records.
	Name string
}

// Section is one decoded and checksum-verified group commit.
type Section struct {
	Header  SectionHeader
	Records []SectionRecord
	Footer  SectionFooter
}

// DecodeSection validates and decodes one complete section. The footer's
// digest is checked before any entry is looked at; a bad digest condemns the
// section as a whole.
func DecodeSection(b []byte) (*Section, error) {
	hdr, err := DecodeSectionHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.Len < SectionHeaderSize+SectionFooterSize {
		return nil, errors.Wrapf(ChecksumMismatch, "implausible section length %d", hdr.Len)
	}
	if int(hdr.Len) > len(b) {
		return nil, errors.Wrapf(SectionTruncated, "section declares %d bytes, have %d", hdr.Len, len(b))
	}

	section := b[:hdr.Len]
	footer, err := DecodeSectionFooter(section[hdr.Len-SectionFooterSize:])
	if err != nil {
		return nil, err
	}
	if footer.Sentinel != uint32(OpFooter) {
		return nil, errors.Wrapf(ChecksumMismatch, "footer sentinel 0x%08x", footer.Sentinel)
	}
	if !footer.CheckHash(section) {
		return nil, ChecksumMismatch
	}

	records, err := decodeBody(section[SectionHeaderSize : hdr.Len-SectionFooterSize])
	if err != nil {
		return nil, err
	}

	return &Section{Header: hdr, Records: records, Footer: footer}, nil
}

func decodeBody(body []byte) ([]SectionRecord, error) {
	var records []SectionRecord
	db := ""

	for pos := 0; pos < len(body); {
		if pos+4 > len(body) {
			return nil, errors.Wrap(SectionTruncated, "dangling discriminant")
		}
		discriminant := binary.LittleEndian.Uint32(body[pos:])

		kind, err := KindOf(discriminant)
		if err != nil {
			return nil, err
		}

		switch kind {
		case RecordData:
			e, err := DecodeEntry(body[pos:])
			if err != nil {
				return nil, err
			}
			pos += EntryHeaderSize

			if pos+int(e.Len) > len(body) {
				return nil, errors.Wrapf(SectionTruncated, "entry payload of %d bytes exceeds remaining %d", e.Len, len(body)-pos)
			}
			records = append(records, SectionRecord{
				Kind:    RecordData,
				Entry:   e,
				Payload: body[pos : pos+int(e.Len)],
				DB:      db,
			})
			pos += int(e.Len)

		case RecordDbContext, RecordFileCreated, RecordDropDb:
			pos += 4
			name, n, err := readCString(body[pos:])
			if err != nil {
				return nil, err
			}
			pos += n

			if kind == RecordDbContext {
				db = name
			}
			records = append(records, SectionRecord{Kind: kind, Name: name})

		case RecordFooter:
			// The footer lives past the body; meeting its sentinel
			// here means the byte walk lost sync.
			return nil, errors.Wrap(UnknownOpcode, "footer sentinel inside section body")
		}
	}

	return records, nil
}

func readCString(b []byte) (string, int, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i + 1, nil
		}
	}
	return "", 0, errors.Wrap(SectionTruncated, "unterminated string")
}

// Reader iterates the sections of one journal file in order, validating each
// footer before surfacing any of its entries.
type Reader struct {
	reader  io.Reader
	err     error
	section *Section
	buf     []byte
	total   uint64
}

func NewReader(reader io.Reader) *Reader {
	return &Reader{reader: reader}
}

// Next advances to the next section. It returns false at a clean end of file
// or on the first invalid section; Err tells the two apart.
func (r *Reader) Next() bool {
	err := r.next()

	if errors.Is(err, io.EOF) {
		return false
	}

	r.err = err

	return err == nil
}

func (r *Reader) next() error {
	hdr := make([]byte, SectionHeaderSize)

	if _, err := io.ReadFull(r.reader, hdr); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return errors.Wrap(SectionTruncated, "partial section header at end of file")
		}
		return err
	}
	r.total += SectionHeaderSize

	h, err := DecodeSectionHeader(hdr)
	if err != nil {
		return err
	}
	if h.Len < SectionHeaderSize+SectionFooterSize {
		return errors.Wrapf(ChecksumMismatch, "implausible section length %d", h.Len)
	}

	// Decoded sections keep views into this buffer, so each section gets
	// its own allocation instead of reusing one.
	r.buf = make([]byte, h.Len)
	copy(r.buf, hdr)

	n, err := io.ReadFull(r.reader, r.buf[SectionHeaderSize:])
	r.total += uint64(n)
	if err != nil {
		return errors.Wrapf(SectionTruncated, "section declares %d bytes: %s", h.Len, err)
	}

	r.section, err = DecodeSection(r.buf)

	return err
}

// Section returns the last section decoded by Next.
func (r *Reader) Section() *Section {
	return r.section
}

func (r *Reader) Err() error {
	if r.err == nil {
		return nil
	}

	return &wlog.CorruptionErr{
		Err:     r.err,
		Segment: -1,
		Offset:  int64(r.total),
	}
}
