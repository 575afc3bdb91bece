package helpers

import (
	"encoding/hex"
	"io"
	"strings"
)

// WriteAll repeats short writes. Writer returning zero progress without error gets io.ErrShortWrite.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// MustHex decodes hex ignoring spaces, panics on error. For tests and constants.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		panic(err)
	}
	return b
}
