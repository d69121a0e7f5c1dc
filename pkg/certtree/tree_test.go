package certtree

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/assetvault/pkg/xerrors"
)

func digest(s string) Hash { return Hash(sha256.Sum256([]byte(s))) }

func TestEmptyTree(t *testing.T) {
	tree := New()
	require.Equal(t, EmptyHash, tree.RootHash())
	require.Equal(t, 0, tree.Len())
	_, err := tree.Witness("/missing")
	require.True(t, xerrors.IsKind(err, xerrors.KindNotFound))
}

func TestInsertReplaceDelete(t *testing.T) {
	tree := New()
	tree.Insert("/a", digest("a"))
	tree.Insert("/b", digest("b"))
	require.Equal(t, 2, tree.Len())
	before := tree.RootHash()

	tree.Insert("/a", digest("a2"))
	require.Equal(t, 2, tree.Len())
	require.NotEqual(t, before, tree.RootHash())
	v, ok := tree.Get("/a")
	require.True(t, ok)
	require.Equal(t, digest("a2"), v)

	require.True(t, tree.Delete("/a"))
	require.False(t, tree.Delete("/a"))
	_, ok = tree.Get("/a")
	require.False(t, ok)
	require.Equal(t, 1, tree.Len())

	_, err := tree.Witness("/a")
	require.True(t, xerrors.IsKind(err, xerrors.KindNotFound))
}

func TestWitnessVerifies(t *testing.T) {
	tree := New()
	for i := 0; i < 64; i++ {
		tree.Insert(fmt.Sprintf("/assets/%03d.bin", i), digest(fmt.Sprint(i)))
	}
	root := tree.RootHash()
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("/assets/%03d.bin", i)
		p, err := tree.Witness(key)
		require.NoError(t, err)
		require.Equal(t, digest(fmt.Sprint(i)), p.Value)
		require.True(t, Verify(p, root), key)

		p.Value = digest("forged")
		require.False(t, Verify(p, root))
	}
}

func TestProofEncodeRoundTrip(t *testing.T) {
	tree := New()
	tree.Insert("/x", digest("x"))
	tree.Insert("/y", digest("y"))
	tree.Insert("/z", digest("z"))
	p, err := tree.Witness("/y")
	require.NoError(t, err)

	b, err := p.Encode()
	require.NoError(t, err)
	got, err := DecodeProof(b)
	require.NoError(t, err)
	require.True(t, Verify(got, tree.RootHash()))

	_, err = DecodeProof([]byte{0xff})
	require.True(t, xerrors.IsKind(err, xerrors.KindInvalid))
}

func TestProofEncodeIsCanonical(t *testing.T) {
	tree := New()
	for _, k := range []string{"/a", "/b", "/c", "/d"} {
		tree.Insert(k, digest(k))
	}
	p, err := tree.Witness("/c")
	require.NoError(t, err)
	em, err := cbor.CanonicalEncOptions().EncMode()
	require.NoError(t, err)
	want, err := em.Marshal(p)
	require.NoError(t, err)

	got, err := p.Encode()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestWitnessTracksReplacedSibling(t *testing.T) {
	tree := New()
	tree.Insert("/a", digest("a"))
	tree.Insert("/b", digest("b"))
	tree.Insert("/c", digest("c"))
	p, err := tree.Witness("/a")
	require.NoError(t, err)

	tree.Insert("/c", digest("c2"))
	fresh, err := tree.Witness("/a")
	require.NoError(t, err)
	require.Equal(t, p.Key, fresh.Key)
	require.Equal(t, p.Value, fresh.Value)
	require.True(t, Verify(fresh, tree.RootHash()))
	require.False(t, Verify(p, tree.RootHash()))
}

func TestWalkInKeyOrder(t *testing.T) {
	tree := New()
	for _, k := range []string{"/m", "/a", "/z", "/c"} {
		tree.Insert(k, digest(k))
	}
	var keys []string
	tree.Walk(func(key string, _ Hash) bool {
		keys = append(keys, key)
		return true
	})
	require.Equal(t, []string{"/a", "/c", "/m", "/z"}, keys)

	var first []string
	tree.Walk(func(key string, _ Hash) bool {
		first = append(first, key)
		return false
	})
	require.Len(t, first, 1)
}

func TestRootDependsOnlyOnContents(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion order does not change the root", prop.ForAll(
		func(keys []string) bool {
			forward := New()
			for _, k := range keys {
				forward.Insert(k, digest(k))
			}
			sorted := append([]string(nil), keys...)
			sort.Strings(sorted)
			backward := New()
			for i := len(sorted) - 1; i >= 0; i-- {
				backward.Insert(sorted[i], digest(sorted[i]))
			}
			return forward.RootHash() == backward.RootHash()
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("delete restores the previous root", prop.ForAll(
		func(keys []string, extra string) bool {
			tree := New()
			for _, k := range keys {
				if k != extra {
					tree.Insert(k, digest(k))
				}
			}
			before := tree.RootHash()
			tree.Insert(extra, digest("extra"))
			tree.Delete(extra)
			return tree.RootHash() == before
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AlphaString(),
	))

	properties.Property("every witness verifies", prop.ForAll(
		func(keys []string) bool {
			tree := New()
			for _, k := range keys {
				tree.Insert(k, digest(k))
			}
			root := tree.RootHash()
			for _, k := range keys {
				p, err := tree.Witness(k)
				if err != nil || !Verify(p, root) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
