package node

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Id is the stable identifier of a node, derived from its public key.
// It is the only handle the rest of the system uses to address a peer.
type Id string

// PublicKey is the transport-level identity key of a node.
type PublicKey = ed25519.PublicKey

// PrivateKey signs on behalf of the local node.
type PrivateKey = ed25519.PrivateKey

// IdFromPublicKey derives the Id as the hex encoding of the first 20 bytes
// of the SHA-256 digest of the public key.
func IdFromPublicKey(key PublicKey) Id {
	sum := sha256.Sum256(key)
	return Id(hex.EncodeToString(sum[:20]))
}

// GenerateKey creates a fresh identity key pair.
func GenerateKey() (PublicKey, PrivateKey, error) {
	const op = "node.GenerateKey"
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return pub, priv, nil
}

func (id Id) String() string {
	return string(id)
}
