package trust

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// relayIDSize is the truncated hash length used for the relay_id: long
// enough to be collision-safe for this purpose, short enough to stay
// pleasant in a pairing URL.
const relayIDSize = 10

// relayIDHash hashes the raw public key with blake2b-256 and truncates,
// giving relay_id a stable, non-reversible derivation that doesn't expose
// the key's structure to a relay service.
func relayIDHash(publicKey []byte) ([]byte, error) {
	full := blake2b.Sum256(publicKey)
	if relayIDSize > len(full) {
		return nil, fmt.Errorf("trust: relay id size exceeds hash size")
	}
	return full[:relayIDSize], nil
}
