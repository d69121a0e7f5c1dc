package certtree

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/jacktea/assetvault/pkg/xerrors"
)

var proofEncMode cbor.EncMode

func init() {
	var err error
	proofEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("certtree: cbor enc mode: %v", err))
	}
}

// Step is one ancestor on the way from the proven node to the root.
type Step struct {
	// FromLeft is true when the child being hashed up is the ancestor's left
	// subtree; Sibling is then the ancestor's right subtree hash.
	FromLeft bool `cbor:"1,keyasint" json:"from_left"`
	Leaf     Hash `cbor:"2,keyasint" json:"leaf"`
	Sibling  Hash `cbor:"3,keyasint" json:"sibling"`
}

// Proof shows that Key maps to Value under a root hash.
type Proof struct {
	Key   string `cbor:"1,keyasint" json:"key"`
	Value Hash   `cbor:"2,keyasint" json:"value"`
	Left  Hash   `cbor:"3,keyasint" json:"left"`
	Right Hash   `cbor:"4,keyasint" json:"right"`
	Path  []Step `cbor:"5,keyasint" json:"path"`
}

// Root recomputes the root hash implied by the proof.
func (p Proof) Root() Hash {
	cur := NodeHash(p.Left, LeafHash(p.Key, p.Value), p.Right)
	for _, s := range p.Path {
		if s.FromLeft {
			cur = NodeHash(cur, s.Leaf, s.Sibling)
		} else {
			cur = NodeHash(s.Sibling, s.Leaf, cur)
		}
	}
	return cur
}

// Verify reports whether proof certifies its key and value under root.
func Verify(proof Proof, root Hash) bool {
	return proof.Root() == root
}

// Encode returns the canonical CBOR form of the proof.
func (p Proof) Encode() ([]byte, error) {
	return proofEncMode.Marshal(p)
}

// DecodeProof parses the CBOR form produced by Encode.
func DecodeProof(b []byte) (Proof, error) {
	var p Proof
	if err := cbor.Unmarshal(b, &p); err != nil {
		return Proof{}, xerrors.Wrap(xerrors.KindInvalid, "certtree.DecodeProof", "", err)
	}
	return p, nil
}
