package stream

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/assetvault/pkg/access"
	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/xerrors"
)

func strp(s string) *string { return &s }

func newTable(t *testing.T, key asset.Key, chunks ...[]byte) *asset.Table {
	t.Helper()
	table := asset.NewTable()
	table.Upsert(asset.Asset{
		Key:       key,
		Headers:   []asset.HeaderField{{Name: "Content-Type", Value: "image/png"}},
		Encodings: map[string]asset.Encoding{asset.IdentityEncoding: asset.NewEncoding(chunks, time.Unix(1, 0))},
	})
	return table
}

func TestReadWalksAllFragments(t *testing.T) {
	table := newTable(t, asset.Key{FullPath: "/img.png"}, []byte("AAA"), []byte("BB"), []byte("C"))

	var got bytes.Buffer
	req := Request{FullPath: "/img.png"}
	for i := 0; ; i++ {
		f, err := Read(table, access.TokenMatch{}, req)
		require.NoError(t, err)
		require.Equal(t, i, f.Index)
		require.Equal(t, 3, f.Count)
		require.Equal(t, uint64(6), f.TotalLength)
		got.Write(f.Body)
		if f.Next == nil {
			break
		}
		require.Equal(t, i+1, f.Next.Index)
		require.Equal(t, f.Digest[:], f.Next.SHA256)
		req = RequestFromToken(*f.Next)
	}
	require.Equal(t, "AAABBC", got.String())
}

func TestReadIsIdempotent(t *testing.T) {
	table := newTable(t, asset.Key{FullPath: "/a"}, []byte("one"), []byte("two"))
	a, err := Read(table, nil, Request{FullPath: "/a", Index: 1})
	require.NoError(t, err)
	b, err := Read(table, nil, Request{FullPath: "/a", Index: 1})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Nil(t, a.Next)
}

func TestReadBodyIsACopy(t *testing.T) {
	table := newTable(t, asset.Key{FullPath: "/a"}, []byte("hello"))
	f, err := Read(table, nil, Request{FullPath: "/a"})
	require.NoError(t, err)
	require.True(t, f.Modified.Equal(time.Unix(1, 0)))
	f.Body[0] = 'J'
	f.Headers[0].Value = "text/plain"

	again, err := Read(table, nil, Request{FullPath: "/a"})
	require.NoError(t, err)
	require.Equal(t, "hello", string(again.Body))
	require.Equal(t, "image/png", again.Headers[0].Value)
}

func TestReadErrors(t *testing.T) {
	table := newTable(t, asset.Key{FullPath: "/secret", Token: strp("k")}, []byte("x"))
	enc, _ := table.Get("/secret")
	digest := enc.Encodings[asset.IdentityEncoding].SHA256

	testcases := []struct {
		name string
		req  Request
		kind xerrors.Kind
	}{
		{name: "missing path", req: Request{FullPath: "/nope"}, kind: xerrors.KindNotFound},
		{name: "no token", req: Request{FullPath: "/secret"}, kind: xerrors.KindForbidden},
		{name: "bad token", req: Request{FullPath: "/secret", Token: strp("j")}, kind: xerrors.KindForbidden},
		{name: "unknown encoding", req: Request{FullPath: "/secret", Token: strp("k"), Encoding: "gzip"}, kind: xerrors.KindNotFound},
		{name: "stale digest", req: Request{FullPath: "/secret", Token: strp("k"), Digest: make([]byte, 32)}, kind: xerrors.KindStaleDigest},
		{name: "index out of range", req: Request{FullPath: "/secret", Token: strp("k"), Index: 1}, kind: xerrors.KindNotFound},
		{name: "negative index", req: Request{FullPath: "/secret", Token: strp("k"), Index: -1}, kind: xerrors.KindNotFound},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(table, access.TokenMatch{}, tc.req)
			require.Error(t, err)
			require.Equal(t, tc.kind, xerrors.KindOf(err))
		})
	}

	f, err := Read(table, access.TokenMatch{}, Request{FullPath: "/secret", Token: strp("k"), Digest: digest[:]})
	require.NoError(t, err)
	require.Equal(t, []byte("x"), f.Body)
}

func TestTokenEncodeDecode(t *testing.T) {
	tok := Token{
		FullPath: "/big.bin",
		Token:    strp("cap"),
		Headers:  []asset.HeaderField{{Name: "Cache-Control", Value: "no-cache"}},
		SHA256:   []byte{1, 2, 3},
		Index:    4,
	}
	s, err := tok.Encode()
	require.NoError(t, err)
	require.NotContains(t, s, "=")

	got, err := DecodeToken(s)
	require.NoError(t, err)
	require.Equal(t, tok, got)

	_, err = DecodeToken("!!!")
	require.True(t, xerrors.IsKind(err, xerrors.KindInvalid))
	empty, err := Token{}.Encode()
	require.NoError(t, err)
	_, err = DecodeToken(empty)
	require.True(t, xerrors.IsKind(err, xerrors.KindInvalid))
}
