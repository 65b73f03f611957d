package payout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Commit returns the hex SHA-256 commitment of a server seed. It is published
// before the bet so the player can later verify the draw.
func Commit(serverSeed []byte) string {
	sum := sha256.Sum256(serverSeed)
	return hex.EncodeToString(sum[:])
}

// Draw derives the outcome index in [0, Space) from the committed server seed
// and the player's client seed: the first four bytes of
// HMAC-SHA256(serverSeed, clientSeed), big-endian.
func Draw(serverSeed, clientSeed []byte) uint64 {
	mac := hmac.New(sha256.New, serverSeed)
	mac.Write(clientSeed)
	sum := mac.Sum(nil)
	return uint64(binary.BigEndian.Uint32(sum[:4]))
}

// Verify reports whether serverSeed matches a published commitment.
func Verify(commitment string, serverSeed []byte) bool {
	want, err := hex.DecodeString(commitment)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(serverSeed)
	return hmac.Equal(want, sum[:])
}
