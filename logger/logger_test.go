package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.log")
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.Output = "file"
	cfg.FilePath = path
	cfg.Level = "warn"

	log, err := New(cfg)
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("Workflow failed", zap.String("workflow_id", "wf-1"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"msg":"Workflow failed"`)
	assert.Contains(t, string(data), `"workflow_id":"wf-1"`)
	assert.Contains(t, string(data), `"level":"warn"`)
}

func TestNewDefaults(t *testing.T) {
	log, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"level", Config{Level: "verbose"}},
		{"format", Config{Format: "xml"}},
		{"output", Config{Output: "syslog"}},
		{"file without path", Config{Output: "both"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}
