package backend_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/backend/memory"
	"github.com/xtxerr/statehist/internal/errors"
)

func TestRegistry(t *testing.T) {
	r := backend.NewRegistry()
	assert.Empty(t, r.Names())

	_, err := r.New("memory", backend.Options{})
	assert.ErrorIs(t, err, errors.ErrUnknownBackend)

	memory.Register(r)
	opened := false
	r.Register("fake", memory.Factory, func(opts backend.Options) (backend.Backend, error) {
		opened = true
		return memory.New(opts), nil
	})
	assert.Equal(t, []string{"fake", "memory"}, r.Names())

	b, err := r.New("memory", backend.Options{SSID: "x", StartTime: 3})
	require.NoError(t, err)
	assert.Equal(t, "x", b.SSID())
	assert.Equal(t, int64(3), b.StartTime())

	_, err = r.Open("memory", backend.Options{})
	assert.ErrorIs(t, err, errors.ErrUnknownBackend)

	_, err = r.Open("fake", backend.Options{})
	require.NoError(t, err)
	assert.True(t, opened)
}
