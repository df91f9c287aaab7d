package storage

import (
	"crypto/sha1"
	"encoding/hex"
)

func sha1Sum(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
