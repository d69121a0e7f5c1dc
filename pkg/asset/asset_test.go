package asset

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/assetvault/pkg/xerrors"
)

func TestNewEncodingDigestCoversConcatenation(t *testing.T) {
	chunks := [][]byte{[]byte("hello "), []byte("wor"), []byte("ld")}
	enc := NewEncoding(chunks, time.Unix(10, 0))
	require.Equal(t, uint64(11), enc.TotalLength)
	require.Equal(t, Digest(sha256.Sum256([]byte("hello world"))), enc.SHA256)
	require.True(t, enc.Verify())

	enc.ContentChunks[1] = []byte("WOR")
	require.False(t, enc.Verify())
}

func TestKeyNormalize(t *testing.T) {
	testcases := []struct {
		name string
		in   Key
		want Key
	}{
		{
			name: "full path only",
			in:   Key{FullPath: "images//logo.png"},
			want: Key{Name: "logo.png", Folder: "images", FullPath: "/images/logo.png"},
		},
		{
			name: "folder and name",
			in:   Key{Name: "a.txt", Folder: "docs"},
			want: Key{Name: "a.txt", Folder: "docs", FullPath: "/docs/a.txt"},
		},
		{
			name: "root file",
			in:   Key{FullPath: "/img.png"},
			want: Key{Name: "img.png", Folder: "", FullPath: "/img.png"},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.in.Normalize())
		})
	}
}

func TestAssetCloneIsIndependent(t *testing.T) {
	tok := "secret"
	a := Asset{
		Key:       Key{FullPath: "/a", Token: &tok},
		Headers:   []HeaderField{{Name: "Content-Type", Value: "text/plain"}},
		Encodings: map[string]Encoding{IdentityEncoding: NewEncoding([][]byte{[]byte("x")}, time.Time{})},
	}
	c := a.Clone()
	*c.Key.Token = "other"
	c.Headers[0].Value = "image/png"
	delete(c.Encodings, IdentityEncoding)

	require.Equal(t, "secret", *a.Key.Token)
	require.Equal(t, "text/plain", a.Headers[0].Value)
	_, ok := a.Primary()
	require.True(t, ok)
}

func TestTableUpsertGetRemove(t *testing.T) {
	table := NewTable()
	first := Asset{Key: Key{FullPath: "/b", Folder: "x"}}
	_, existed := table.Upsert(first)
	require.False(t, existed)

	second := Asset{Key: Key{FullPath: "/b", Folder: "y"}}
	prev, existed := table.Upsert(second)
	require.True(t, existed)
	require.Equal(t, "x", prev.Key.Folder)

	got, err := table.Get("/b")
	require.NoError(t, err)
	require.Equal(t, "y", got.Key.Folder)

	_, err = table.Remove("/b")
	require.NoError(t, err)
	_, err = table.Get("/b")
	require.True(t, xerrors.IsKind(err, xerrors.KindNotFound))
	_, err = table.Remove("/b")
	require.True(t, xerrors.IsKind(err, xerrors.KindNotFound))
}

func TestTableListSortedAndFiltered(t *testing.T) {
	table := NewTable()
	for _, k := range []Key{
		{FullPath: "/img/b.png", Folder: "img"},
		{FullPath: "/index.html", Folder: ""},
		{FullPath: "/img/a.png", Folder: "img"},
	} {
		table.Upsert(Asset{Key: k})
	}
	all := table.List("")
	require.Len(t, all, 3)
	require.Equal(t, "/img/a.png", all[0].Key.FullPath)
	require.Equal(t, "/index.html", all[2].Key.FullPath)

	imgs := table.List("/img/")
	require.Len(t, imgs, 2)
	require.Equal(t, 3, table.Len())
}
