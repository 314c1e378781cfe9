package tunnel

import "crypto/sha256"

// HashSize is the length in bytes of a Hash, the wire identifier derived
// from a ProfileId.
const HashSize = 32

// Hash is the canonical 32-byte wire form of a ProfileId: the SHA-256
// digest of its UTF-8 bytes. It doubles as the key used by
// SessionManager and ProfileRegistry.
type Hash [HashSize]byte

// HashID computes the Hash of a ProfileId string. hash(s) is
// deterministic: the same input always yields the same Hash, and
// distinct inputs are (with overwhelming probability) mapped to
// distinct hashes.
func HashID(id string) Hash {
	return Hash(sha256.Sum256([]byte(id)))
}

// IsZero reports whether h is the zero Hash, which never corresponds to
// a real profile since HashID never produces an all-zero digest for any
// practical input.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 2*len(h))
	for i, b := range h {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0xf]
	}
	return string(buf)
}
