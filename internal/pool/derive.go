package pool

import (
	"crypto/sha256"
	"encoding/binary"
)

// DerivePermutations combines the revealed secret with the beacon
// randomness that followed the commitment and expands the result into
// two independent digit orderings. Neither party can pick the outcome:
// the secret is hash-hidden before the randomness exists, and the
// randomness is produced after the secret is fixed.
func DerivePermutations(secret string, randomness []byte) (rows, cols []int32) {
	seed := sha256.Sum256(append([]byte(secret), randomness...))
	rows = shuffleDigits(seed[:], "rows")
	cols = shuffleDigits(seed[:], "cols")
	return rows, cols
}

// shuffleDigits runs a Fisher-Yates shuffle of [0..9] driven by a
// per-step hash of seed, label, and step index.
func shuffleDigits(seed []byte, label string) []int32 {
	digits := []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	for i := len(digits) - 1; i > 0; i-- {
		j := int(stepValue(seed, label, i) % uint64(i+1))
		digits[i], digits[j] = digits[j], digits[i]
	}
	return digits
}

func stepValue(seed []byte, label string, step int) uint64 {
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(label))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(step))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
