package journal

import (
	"encoding/hex"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

var (
	SectionNotOpen  = errors.New("section builder has no open section")
	PayloadTooLarge = errors.New("payload length collides with the opcode range")
)

// SectionBuilder assembles one group-commit section into an AlignedBuilder.
//
// The header's length field is only known once body and footer are complete,
// so Begin reserves the header space and Finish patches the length back in.
// The authoritative write order is fixed: body done, footer digest computed,
// header length patched. Finish enforces it.
type SectionBuilder struct {
	logger log.Logger
	b      *AlignedBuilder

	hdrOfs int
	seq    uint64
	fileID uint64
	lastDB string
	open   bool
}

func NewSectionBuilder(logger log.Logger, b *AlignedBuilder) *SectionBuilder {
	return &SectionBuilder{logger: logger, b: b}
}

// Begin reserves header space for a new section with the given sequence
// number, owned by the file identified by fileID.
func (s *SectionBuilder) Begin(seq, fileID uint64) {
	s.hdrOfs = s.b.Reserve(SectionHeaderSize)
	s.seq = seq
	s.fileID = fileID
	s.lastDB = ""
	s.open = true
}

// AppendDbContext declares the database/file-path context for the entries
// that follow, until the next marker.
func (s *SectionBuilder) AppendDbContext(db string) error {
	if !s.open {
		return SectionNotOpen
	}

	s.b.AppendUint32(uint32(OpDbContext))
	if err := s.b.AppendString(db, true); err != nil {
		return err
	}

	s.lastDB = db
	return nil
}

// AppendEntry appends one write for the given database context, emitting a
// DbContext marker first when the context changes.
func (s *SectionBuilder) AppendEntry(db string, e Entry, payload []byte) error {
	if !s.open {
		return SectionNotOpen
	}
	if uint64(len(payload)) >= uint64(OpMin) {
		return errors.Wrapf(PayloadTooLarge, "%d bytes", len(payload))
	}

	if db != s.lastDB && !e.IsLocalDBContext() {
		if err := s.AppendDbContext(db); err != nil {
			return err
		}
	}

	e.Len = uint32(len(payload))
	s.b.AppendRecord(&e)
	s.b.AppendBytes(payload)
	return nil
}

// AppendFileCreated records that a data file came into existence.
func (s *SectionBuilder) AppendFileCreated(path string) error {
	return s.appendNamedControl(OpFileCreated, path)
}

// AppendDropDb records that a whole database was dropped.
func (s *SectionBuilder) AppendDropDb(db string) error {
	return s.appendNamedControl(OpDropDb, db)
}

func (s *SectionBuilder) appendNamedControl(op Opcode, name string) error {
	if !s.open {
		return SectionNotOpen
	}

	s.b.AppendUint32(uint32(op))
	return s.b.AppendString(name, true)
}

// Finish computes the footer digest over the body, appends the footer and
// patches the final length into the reserved header. It returns the finished
// section bytes; the view is only valid until the builder is reused.
func (s *SectionBuilder) Finish() ([]byte, error) {
	if !s.open {
		return nil, SectionNotOpen
	}
	s.open = false

	footer := NewSectionFooter(s.b.Bytes()[s.hdrOfs:])
	s.b.AppendRecord(&footer)

	hdr := SectionHeader{
		Len:       uint32(s.b.Len() - s.hdrOfs),
		SeqNumber: s.seq,
		FileID:    s.fileID,
	}
	hdr.EncodeInto(s.b.At(s.hdrOfs))

	level.Debug(s.logger).Log("msg", "section finished", "seq", s.seq, "len", hdr.Len, "hash", hex.EncodeToString(footer.Digest[:]))

	return s.b.Bytes()[s.hdrOfs:], nil
}
