package savedata

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	save3ds "github.com/wwylele/save3ds-sub000"
)

func TestDbHeaderStructSize(t *testing.T) {
	require.Equal(t, int64(0x20), int64(dbHeaderLen))
}

func TestDbTypeSignerID(t *testing.T) {
	cases := []struct {
		t    DbType
		want uint32
	}{
		{Ticket, 0},
		{NandTitle, 2},
		{SdTitle, 2},
		{NandImport, 3},
		{SdImport, 3},
		{TmpTitle, 4},
		{TmpImport, 5},
	}
	got := make(map[DbType]uint32, len(cases))
	want := make(map[DbType]uint32, len(cases))
	for _, c := range cases {
		got[c.t] = c.t.signerID()
		want[c.t] = c.want
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("signerID() mismatch (-want +got):\n%s", diff)
	}
}

func TestDbTypeMagicAliasing(t *testing.T) {
	require.Equal(t, SdTitle.magic(), SdImport.magic(), "SdTitle/SdImport must share a magic")
	require.Equal(t, TmpTitle.magic(), TmpImport.magic(), "TmpTitle/TmpImport must share a magic")
	require.NotEqual(t, SdTitle.magic(), TmpTitle.magic(), "the two database families must not share a magic")
	require.Equal(t, "TICK", Ticket.magic())
}

func TestDbTypePreLen(t *testing.T) {
	require.EqualValues(t, 0x10, Ticket.preLen())
	require.EqualValues(t, 0x80, NandTitle.preLen())
}

func TestDbSignerBlockLayout(t *testing.T) {
	s := DbSigner{ID: 0x11223344}
	block := s.Block([]byte("payload"))
	require.Equal(t, "CTR-9DB0", string(block[0:8]))
	require.Len(t, block, 8+4+7)
}

func TestFakeSizeFileClampsReadWrite(t *testing.T) {
	backing := save3ds.NewMemoryFile(16)
	f := newFakeSizeFile(backing, 64)

	require.Equal(t, int64(64), f.Len())

	// A write entirely past the real backing extent is silently dropped.
	require.NoError(t, f.Write(32, []byte{1, 2, 3}))

	// A write straddling the boundary is truncated to what's backed.
	require.NoError(t, f.Write(14, []byte{1, 2, 3, 4}))
	got := make([]byte, 2)
	require.NoError(t, backing.Read(14, got))
	require.Equal(t, []byte{1, 2}, got)

	// A read entirely past the extent returns zeroed/unchanged buf, no error.
	require.NoError(t, f.Read(40, make([]byte, 4)))
}

func TestDbDirKeyHasNoName(t *testing.T) {
	k := newDbDirKey(7, struct{}{})
	require.EqualValues(t, 7, k.Parent())
	require.Equal(t, struct{}{}, k.Name())
}

func TestDbFileKeyRoundTrip(t *testing.T) {
	k := newDbFileKey(3, 0x0004000000100000)
	require.EqualValues(t, 3, k.Parent())
	require.EqualValues(t, 0x0004000000100000, k.Name())
}
