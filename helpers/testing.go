package helpers

import (
	"math/rand"
	"time"
)

// RandUnix is time seeded source for shuffling test cases.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
