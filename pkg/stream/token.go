package stream

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/xerrors"
)

// Token is the continuation descriptor for the next fragment. It carries the
// asset identity so the next read needs no re-negotiation.
type Token struct {
	FullPath string              `cbor:"1,keyasint" json:"full_path"`
	Token    *string             `cbor:"2,keyasint,omitempty" json:"token,omitempty"`
	Headers  []asset.HeaderField `cbor:"3,keyasint" json:"headers"`
	SHA256   []byte              `cbor:"4,keyasint,omitempty" json:"sha256,omitempty"`
	Index    int                 `cbor:"5,keyasint" json:"index"`
	Encoding string              `cbor:"6,keyasint,omitempty" json:"encoding,omitempty"`
}

// Encode renders the token as unpadded base64url CBOR.
func (t Token) Encode() (string, error) {
	b, err := cbor.Marshal(t)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "stream.Token.Encode", t.FullPath, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeToken parses the form produced by Encode.
func DecodeToken(s string) (Token, error) {
	const op = "stream.DecodeToken"
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	var t Token
	if err := cbor.Unmarshal(b, &t); err != nil {
		return Token{}, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	if t.FullPath == "" || t.Index < 0 {
		return Token{}, xerrors.Wrap(xerrors.KindInvalid, op, t.FullPath, fmt.Errorf("malformed token"))
	}
	return t, nil
}

func errEncoding(name string) error { return fmt.Errorf("no %q encoding", name) }

func errIndex(i, n int) error { return fmt.Errorf("fragment %d of %d", i, n) }
