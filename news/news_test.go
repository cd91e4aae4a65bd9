package news

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAndAny(t *testing.T) {
	s := NewStatic(false, "")
	on, flags := s.Avoid()
	assert.False(t, on)
	assert.Nil(t, flags)

	s.Set(true, "")
	on, flags = s.Avoid()
	assert.True(t, on)
	assert.Equal(t, []string{"manual"}, flags)

	other := NewStatic(true, "FOMC")
	on, flags = Any{s, nil, other, NewStatic(false, "x")}.Avoid()
	assert.True(t, on)
	assert.Equal(t, []string{"manual", "FOMC"}, flags)

	on, _ = Any{NewStatic(false, "")}.Avoid()
	assert.False(t, on)
}

func TestFileBlackoutInitialState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blackout")
	require.NoError(t, os.WriteFile(path, []byte("# comment\n\nCPI release\nFOMC\n"), 0o644))

	fb, err := NewFileBlackout(path, nil)
	require.NoError(t, err)
	defer fb.Stop()
	on, flags := fb.Avoid()
	assert.True(t, on)
	assert.Equal(t, []string{"CPI release", "FOMC"}, flags)
}

func TestFileBlackoutWatchesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blackout")
	fb, err := NewFileBlackout(path, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fb.Start(ctx))
	defer fb.Stop()

	on, _ := fb.Avoid()
	assert.False(t, on)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.Eventually(t, func() bool {
		on, flags := fb.Avoid()
		return on && len(flags) == 1 && flags[0] == "blackout"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool {
		on, _ := fb.Avoid()
		return !on
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileBlackoutRequiresPath(t *testing.T) {
	_, err := NewFileBlackout("", nil)
	assert.Error(t, err)
}
