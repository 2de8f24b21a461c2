package proof

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrContentHash = errors.New("content hash mismatch")
	ErrChain       = errors.New("stage chain broken")
	ErrSignature   = errors.New("signature invalid")
	ErrUnsigned    = errors.New("bundle is not signed")
)

// Verify recomputes the content hash and the stage chain. When pub is set
// the signature must verify as well.
func Verify(b *Bundle, pub ed25519.PublicKey) error {
	if b == nil {
		return errors.New("nil bundle")
	}
	if b.FormatVersion != FormatVersion {
		return fmt.Errorf("unsupported format version %q", b.FormatVersion)
	}
	hash, err := ContentHash(b)
	if err != nil {
		return err
	}
	if hash != b.ContentHash {
		return fmt.Errorf("%w: have %s, computed %s", ErrContentHash, b.ContentHash, hash)
	}

	if len(b.Chain) != len(Stages) {
		return fmt.Errorf("%w: expected %d markers, got %d", ErrChain, len(Stages), len(b.Chain))
	}
	prev := b.Source.SpecHash
	for i, m := range b.Chain {
		if m.Stage != Stages[i] {
			return fmt.Errorf("%w: marker %d is %s, expected %s", ErrChain, i, m.Stage, Stages[i])
		}
		if m.Prev != prev || markerHash(m) != m.Hash {
			return fmt.Errorf("%w: at %s", ErrChain, m.Stage)
		}
		prev = m.Hash
	}

	if pub == nil {
		return nil
	}
	if b.Signature == "" {
		return ErrUnsigned
	}
	sig, err := hex.DecodeString(b.Signature)
	if err != nil || !ed25519.Verify(pub, []byte(b.ContentHash), sig) {
		return ErrSignature
	}
	return nil
}
