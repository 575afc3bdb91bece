package subcmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/espmqtt/internal/config"
)

func TestParse(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *config.Config) error { return nil }
	modules := []Mod{{Name: "run", Main: noop}, {Name: "console", Main: noop}}

	m, err := Parse("console", modules)
	require.NoError(t, err)
	assert.Equal(t, "console", m.Name)

	_, err = Parse("", modules)
	assert.EqualError(t, err, "empty command")
	_, err = Parse("bogus", modules)
	assert.EqualError(t, err, "unknown command='bogus'")

	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{Main: noop}}) })
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	n := 0
	f := throttle(time.Hour, func() { n++ })
	f()
	f()
	f()
	assert.Equal(t, 1, n)

	n = 0
	f = throttle(0, func() { n++ })
	f()
	f()
	assert.Equal(t, 2, n)
}
