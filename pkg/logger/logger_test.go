package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesToConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "nested", "mm.log")

	require.NoError(t, Init(Config{Level: "debug", OutputFile: file, MaxSize: 1, Console: &console}))
	defer Close()

	assert.Equal(t, file, GetCurrentLogFile())
	logrus.WithField("component", "test").Info("hello")
	Infof("cycle %d", 7)

	assert.Contains(t, console.String(), "hello")
	assert.Contains(t, console.String(), "cycle 7")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "component=test")
}

func TestInitInvalidLevelFallsBackToInfo(t *testing.T) {
	var console bytes.Buffer
	require.NoError(t, Init(Config{Level: "chatty", Console: &console}))
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
	assert.Empty(t, GetCurrentLogFile())
}

func TestJSONFormatter(t *testing.T) {
	var console bytes.Buffer
	require.NoError(t, Init(Config{Level: "info", JSON: true, Console: &console}))
	WithField("side", "buy").Info("placed")
	assert.Contains(t, console.String(), `"side":"buy"`)
}
