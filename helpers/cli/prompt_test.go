package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadLines(t *testing.T) {
	t.Parallel()

	var got []string
	ReadLines(strings.NewReader("status\n  wifi online \r\n\nexit\nnever\n"), func(line string) {
		got = append(got, line)
	})
	assert.Equal(t, []string{"status", "wifi online", ""}, got)
}
