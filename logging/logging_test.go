package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(Options{Level: "debug"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	log.WithFields(logrus.Fields{"function": "TestNew"}).Debug("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "function=TestNew")
}

func TestNew_RotatedFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "ferry.log")
	log, closer, err := New(Options{Level: "info", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	log.WithFields(logrus.Fields{"transfer_id": "t1"}).Info("transfer finished")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "transfer finished", entry["msg"])
	assert.Equal(t, "t1", entry["transfer_id"])
	assert.Equal(t, line, strings.TrimSpace(buf.String()), "console receives the same entry")
}

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level   string
		want    logrus.Level
		wantErr bool
	}{
		{"", logrus.InfoLevel, false},
		{"warn", logrus.WarnLevel, false},
		{"TRACE", logrus.TraceLevel, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, _, err := New(Options{Level: tt.level}, &bytes.Buffer{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, log.GetLevel())
		})
	}
}
