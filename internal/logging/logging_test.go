package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_WritesFiles(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, closer, err := Setup(Options{Dir: dir, Console: &console, NoColor: true})
	require.NoError(t, err)

	logger.Info().Str("user_id", "7").Msg("hello info")
	logger.Error().Msg("boom error")
	logger.Debug().Msg("hidden debug")
	require.NoError(t, closer.Close())

	all, err := os.ReadFile(filepath.Join(dir, "bot.log"))
	require.NoError(t, err)
	assert.Contains(t, string(all), "hello info")
	assert.Contains(t, string(all), "boom error")
	assert.NotContains(t, string(all), "hidden debug")

	errs, err := os.ReadFile(filepath.Join(dir, "errors.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errs), "boom error")
	assert.NotContains(t, string(errs), "hello info")

	assert.Contains(t, console.String(), "hello info")
	assert.Contains(t, console.String(), "user_id=7")
}

func TestSetup_DebugConsoleOnly(t *testing.T) {
	var console bytes.Buffer

	logger, closer, err := Setup(Options{Debug: true, Console: &console, NoColor: true})
	require.NoError(t, err)
	logger.Debug().Msg("visible debug")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "visible debug")
}
