package connid

import (
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/quicmigrate/transport"
)

// DeriveResetToken computes the stateless reset token for a connection ID
// using keyed BLAKE2b over the ID bytes. Deriving tokens from a
// per-connection secret avoids storing one token per issued ID.
func DeriveResetToken(secret [32]byte, cid []byte) [transport.ResetTokenSize]byte {
	var token [transport.ResetTokenSize]byte

	h, err := blake2b.New256(secret[:])
	if err != nil {
		// blake2b.New256 only fails on oversized keys; a 32-byte key
		// cannot trigger it.
		panic(err)
	}
	h.Write(cid)
	copy(token[:], h.Sum(nil))

	return token
}
