package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestComponentAndContext(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, true)

	Component("historytree").Info("node sealed", "seq", 3)
	assert.Contains(t, buf.String(), `"component":"historytree"`)
	assert.Contains(t, buf.String(), `"seq":3`)

	buf.Reset()
	ctx := ContextWithFile(ContextWithSSID(context.Background(), "abc"), "/tmp/x.ht")
	FromContext(ctx, nil).Info("opened")
	assert.Contains(t, buf.String(), `"ssid":"abc"`)
	assert.Contains(t, buf.String(), `"file":"/tmp/x.ht"`)

	buf.Reset()
	FromContext(ContextWithSSID(context.Background(), "def"), Component("provider")).Info("finished")
	assert.Contains(t, buf.String(), `"component":"provider"`)
	assert.Contains(t, buf.String(), `"ssid":"def"`)
	assert.NotContains(t, buf.String(), `"file"`)

	buf.Reset()
	Debug("hidden")
	assert.Empty(t, buf.String())
}
