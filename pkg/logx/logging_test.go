package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONConcurrentConstruction(t *testing.T) {
	t.Parallel()
	var wg sync.WaitGroup
	bufs := make([]*bytes.Buffer, 8)
	for i := range bufs {
		bufs[i] = &bytes.Buffer{}
		wg.Add(1)
		go func(b *bytes.Buffer) {
			defer wg.Done()
			NewJSON(b, "info").Error("boom", Err(errors.New("bad")))
		}(bufs[i])
	}
	wg.Wait()

	for _, b := range bufs {
		var line map[string]any
		require.NoError(t, json.Unmarshal(b.Bytes(), &line))
		assert.Equal(t, "boom", line["message"])
		assert.Equal(t, "bad", line["err"])
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	t.Parallel()
	var b bytes.Buffer
	l := NewJSON(&b, "warn")
	l.Info("hidden")
	assert.Zero(t, b.Len())
	assert.False(t, l.Enabled(LevelDebug))
}
