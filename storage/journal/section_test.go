package journal

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/prometheus/tsdb/wlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSection(t *testing.T, seq, fileID uint64, build func(sb *SectionBuilder)) []byte {
	t.Helper()

	sb := NewSectionBuilder(log.NewNopLogger(), NewAlignedBuilder(Alignment))
	sb.Begin(seq, fileID)
	build(sb)

	section, err := sb.Finish()
	require.NoError(t, err)

	out := make([]byte, len(section))
	copy(out, section)
	return out
}

func TestSectionBuildAndCheckHash(t *testing.T) {
	e := Entry{Ofs: 0}
	e.SetFileNo(3)

	section := buildSection(t, 1, 99, func(sb *SectionBuilder) {
		require.NoError(t, sb.AppendEntry("app", e, []byte("hello")))
	})

	hdr, err := DecodeSectionHeader(section)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(section)), hdr.Len)
	assert.Equal(t, uint64(1), hdr.SeqNumber)
	assert.Equal(t, uint64(99), hdr.FileID)

	footer, err := DecodeSectionFooter(section[len(section)-SectionFooterSize:])
	require.NoError(t, err)
	assert.True(t, footer.CheckHash(section))

	// Flip one payload byte; the digest must notice.
	corrupted := make([]byte, len(section))
	copy(corrupted, section)
	corrupted[bytes.Index(corrupted, []byte("hello"))] ^= 0x01
	assert.False(t, footer.CheckHash(corrupted))
}

func TestSectionLenFieldOutsideHash(t *testing.T) {
	section := buildSection(t, 1, 1, func(sb *SectionBuilder) {
		require.NoError(t, sb.AppendEntry("app", Entry{}, []byte("x")))
	})

	footer, err := DecodeSectionFooter(section[len(section)-SectionFooterSize:])
	require.NoError(t, err)

	// The length is patched after hashing, so mutating it must not break
	// the digest (DecodeSection still rejects it for other reasons).
	binary.LittleEndian.PutUint32(section, 12345)
	assert.True(t, footer.CheckHash(section))
}

func TestSectionDecodeRoundTrip(t *testing.T) {
	e1 := Entry{Ofs: 128}
	e1.SetFileNo(3)

	e2 := Entry{Ofs: 4096}
	e2.SetFileNo(NsFileNo)

	e3 := Entry{Ofs: 0}
	e3.SetFileNo(1)
	e3.SetLocalDBContextBit()

	section := buildSection(t, 7, 42, func(sb *SectionBuilder) {
		require.NoError(t, sb.AppendEntry("app", e1, []byte("hello")))
		require.NoError(t, sb.AppendEntry("app", e2, []byte("ns touch")))
		require.NoError(t, sb.AppendEntry("other", e3, []byte("local write")))
		require.NoError(t, sb.AppendFileCreated("data/app.1"))
		require.NoError(t, sb.AppendDropDb("stale"))
	})

	s, err := DecodeSection(section)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), s.Header.SeqNumber)

	var kinds []RecordKind
	for _, r := range s.Records {
		kinds = append(kinds, r.Kind)
	}
	assert.Equal(t, []RecordKind{
		RecordDbContext,
		RecordData,
		RecordData,
		RecordData,
		RecordFileCreated,
		RecordDropDb,
	}, kinds)

	assert.Equal(t, "app", s.Records[0].Name)

	first := s.Records[1]
	assert.Equal(t, []byte("hello"), first.Payload)
	assert.Equal(t, uint32(5), first.Entry.Len)
	assert.Equal(t, uint32(128), first.Entry.Ofs)
	assert.Equal(t, uint32(3), first.Entry.FileNo())
	assert.Equal(t, "app", first.DB)

	assert.True(t, s.Records[2].Entry.IsNsSuffix())

	// The local write carries the flag and did not emit a context switch.
	local := s.Records[3]
	assert.True(t, local.Entry.IsLocalDBContext())
	assert.Equal(t, uint32(1), local.Entry.FileNo())
	assert.Equal(t, []byte("local write"), local.Payload)

	assert.Equal(t, "data/app.1", s.Records[4].Name)
	assert.Equal(t, "stale", s.Records[5].Name)
}

func TestSectionDbContextSwitches(t *testing.T) {
	section := buildSection(t, 1, 1, func(sb *SectionBuilder) {
		require.NoError(t, sb.AppendEntry("a", Entry{}, []byte("1")))
		require.NoError(t, sb.AppendEntry("a", Entry{}, []byte("2")))
		require.NoError(t, sb.AppendEntry("b", Entry{}, []byte("3")))
	})

	s, err := DecodeSection(section)
	require.NoError(t, err)

	// One marker per context change, not per entry.
	markers := 0
	for _, r := range s.Records {
		if r.Kind == RecordDbContext {
			markers++
		}
	}
	assert.Equal(t, 2, markers)

	var dbs []string
	for _, r := range s.Records {
		if r.Kind == RecordData {
			dbs = append(dbs, r.DB)
		}
	}
	assert.Equal(t, []string{"a", "a", "b"}, dbs)
}

func TestSectionDecodeChecksumMismatch(t *testing.T) {
	section := buildSection(t, 1, 1, func(sb *SectionBuilder) {
		require.NoError(t, sb.AppendEntry("app", Entry{}, []byte("hello")))
	})

	section[SectionHeaderSize+4] ^= 0xff

	_, err := DecodeSection(section)
	assert.ErrorIs(t, err, ChecksumMismatch)
}

func TestSectionDecodeTruncated(t *testing.T) {
	section := buildSection(t, 1, 1, func(sb *SectionBuilder) {
		require.NoError(t, sb.AppendEntry("app", Entry{}, []byte("hello")))
	})

	_, err := DecodeSection(section[:len(section)-10])
	assert.ErrorIs(t, err, SectionTruncated)

	_, err = DecodeSection(section[:8])
	assert.ErrorIs(t, err, SectionTruncated)
}

func TestSectionReuseAfterFinish(t *testing.T) {
	sb := NewSectionBuilder(log.NewNopLogger(), NewAlignedBuilder(Alignment))

	require.ErrorIs(t, sb.AppendEntry("app", Entry{}, nil), SectionNotOpen)

	sb.Begin(1, 1)
	require.NoError(t, sb.AppendEntry("app", Entry{}, []byte("x")))
	_, err := sb.Finish()
	require.NoError(t, err)

	_, err = sb.Finish()
	assert.ErrorIs(t, err, SectionNotOpen)
}

func TestReaderIteratesSections(t *testing.T) {
	b := NewAlignedBuilder(Alignment)
	sb := NewSectionBuilder(log.NewNopLogger(), b)

	for seq := uint64(1); seq <= 3; seq++ {
		sb.Begin(seq, 5)
		require.NoError(t, sb.AppendEntry("app", Entry{}, []byte("payload")))
		_, err := sb.Finish()
		require.NoError(t, err)
	}

	r := NewReader(bytes.NewReader(b.Bytes()))

	var seqs []uint64
	for r.Next() {
		seqs = append(seqs, r.Section().Header.SeqNumber)
	}

	require.NoError(t, r.Err())
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestReaderStopsAtTruncatedSection(t *testing.T) {
	b := NewAlignedBuilder(Alignment)
	sb := NewSectionBuilder(log.NewNopLogger(), b)

	sb.Begin(1, 5)
	require.NoError(t, sb.AppendEntry("app", Entry{}, []byte("payload")))
	first, err := sb.Finish()
	require.NoError(t, err)
	firstLen := len(first)

	sb.Begin(2, 5)
	require.NoError(t, sb.AppendEntry("app", Entry{}, []byte("payload")))
	_, err = sb.Finish()
	require.NoError(t, err)

	// Cut the second section short, as a crash mid-write would.
	data := b.Bytes()[:firstLen+(b.Len()-firstLen)/2]

	r := NewReader(bytes.NewReader(data))
	require.True(t, r.Next())
	assert.Equal(t, uint64(1), r.Section().Header.SeqNumber)

	assert.False(t, r.Next())

	cerr := &wlog.CorruptionErr{}
	require.ErrorAs(t, r.Err(), &cerr)
	assert.ErrorIs(t, cerr.Err, SectionTruncated)
}
