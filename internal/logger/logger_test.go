package logger

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponent(t *testing.T) {
	entry := WithComponent("strategy")
	require.NotNil(t, entry)
	assert.Equal(t, "strategy", entry.Data["component"])
}

func TestLoggerInit(t *testing.T) {
	require.NotNil(t, Logger)
	assert.Equal(t, os.Stdout, Logger.Out)
}

func TestApplyLevel(t *testing.T) {
	orig := Logger.GetLevel()
	t.Cleanup(func() { Logger.SetLevel(orig) })

	tests := []struct {
		name    string
		input   string
		want    logrus.Level
		wantErr bool
	}{
		{"debug", "debug", logrus.DebugLevel, false},
		{"upper case", "WARN", logrus.WarnLevel, false},
		{"padded", "  error ", logrus.ErrorLevel, false},
		{"invalid keeps current", "loud", logrus.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger.SetLevel(logrus.InfoLevel)
			got, err := ApplyLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, Logger.GetLevel())
		})
	}
}

func TestWriter(t *testing.T) {
	w := Writer()
	require.NotNil(t, w)
	_, err := w.Write([]byte("hello from test\n"))
	assert.NoError(t, err)
}
