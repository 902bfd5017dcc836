package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("verbose"))
}

func TestNewLoggerWithService(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	entry := NewLoggerWithService("scheduler")

	var buf bytes.Buffer
	entry.Logger.SetOutput(&buf)
	entry.WithField("post_id", 7).Debug("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "scheduler", line["service"])
	assert.Equal(t, "hello", line["msg"])
	assert.EqualValues(t, 7, line["post_id"])
}
