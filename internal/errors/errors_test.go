package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimeRangeError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("query: %w", NewTimeRange(5, 10, 20, "before start"))

	assert.True(t, IsTimeRange(err))
	assert.False(t, IsNotFound(err))

	var tre *TimeRangeError
	if assert.True(t, As(err, &tre)) {
		assert.Equal(t, int64(5), tre.Time)
		assert.Equal(t, int64(10), tre.Start)
		assert.Equal(t, int64(20), tre.End)
	}
	assert.Contains(t, err.Error(), "before start")
}

func TestIO_KeepsCause(t *testing.T) {
	err := IO("write node", io.ErrShortWrite)

	assert.True(t, Is(err, ErrIO))
	assert.True(t, Is(err, io.ErrShortWrite))
	assert.True(t, IsStorage(err))
	assert.Nil(t, IO("noop", nil))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{NewTimeRange(1, 2, 3, ""), ExitTimeRange},
		{NewAttributeNotFound("a/b"), ExitNotFound},
		{NewQuarkNotFound(7), ExitNotFound},
		{Wrap(ErrDisposed, "query"), ExitDisposed},
		{NewCorrupt("bad magic %x", 1), ExitCorrupt},
		{IO("read", io.EOF), ExitIO},
		{NewValidation("block_size", "too small"), ExitInvalidConfig},
		{fmt.Errorf("boom"), ExitInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "err=%v", tt.err)
	}
}

func TestExitCodeName(t *testing.T) {
	assert.Equal(t, "TimeRange", ExitCodeName(ExitTimeRange))
	assert.Equal(t, "Exit(42)", ExitCodeName(42))
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	assert.NoError(t, v.Err())

	v.Add(nil)
	assert.False(t, v.HasErrors())

	v.AddField("block_size", "must be positive")
	v.AddMissing("history.file")

	err := v.Err()
	if assert.Error(t, err) {
		assert.True(t, Is(err, ErrInvalidConfig))
		assert.True(t, Is(err, ErrMissingField))
		assert.Contains(t, err.Error(), "validation failed with 2 errors")
	}
}

func TestLifecycleCategories(t *testing.T) {
	assert.True(t, IsLifecycle(ErrAttributeTreeFrozen))
	assert.True(t, IsLifecycle(Wrap(ErrAlreadyBuilt, "close")))
	assert.False(t, IsLifecycle(ErrIO))
	assert.True(t, IsValidation(Wrapf(ErrUnknownBackend, "backend %q", "foo")))
}
