package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryRoundTrip(t *testing.T) {
	e := Entry{Len: 5, Ofs: 4096}
	e.SetFileNo(3)

	b := make([]byte, EntryHeaderSize)
	e.EncodeInto(b)

	decoded, err := DecodeEntry(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), decoded.Len)
	assert.Equal(t, uint32(4096), decoded.Ofs)
	assert.Equal(t, uint32(3), decoded.FileNo())
}

func TestEntryLocalDBContextBit(t *testing.T) {
	for _, fileNo := range []uint32{0, 1, 3, 1 << 20, NsFileNo} {
		e := Entry{}
		e.SetFileNo(fileNo)

		e.SetLocalDBContextBit()
		assert.True(t, e.IsLocalDBContext())
		assert.Equal(t, fileNo, e.FileNo(), "flag must not disturb the low bits")

		e.ClearLocalDBContextBit()
		assert.False(t, e.IsLocalDBContext())
		assert.Equal(t, fileNo, e.FileNo(), "set then clear is a no-op")
	}
}

func TestEntryNsSuffix(t *testing.T) {
	e := Entry{}
	e.SetFileNo(NsFileNo)
	assert.True(t, e.IsNsSuffix())

	e.SetLocalDBContextBit()
	assert.True(t, e.IsNsSuffix())

	e.SetFileNo(7)
	assert.False(t, e.IsNsSuffix())

	assert.Equal(t, "ns", Suffix(NsFileNo))
	assert.Equal(t, "7", Suffix(7))
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		discriminant uint32
		kind         RecordKind
	}{
		{0, RecordData},
		{5, RecordData},
		{uint32(OpMin) - 1, RecordData},
		{uint32(OpFooter), RecordFooter},
		{uint32(OpDbContext), RecordDbContext},
		{uint32(OpFileCreated), RecordFileCreated},
		{uint32(OpDropDb), RecordDropDb},
	}

	for _, c := range cases {
		kind, err := KindOf(c.discriminant)
		require.NoError(t, err)
		assert.Equal(t, c.kind, kind)
	}

	_, err := KindOf(uint32(OpMin))
	assert.ErrorIs(t, err, UnknownOpcode)

	_, err = KindOf(0xfffffff0)
	assert.ErrorIs(t, err, UnknownOpcode)
}
