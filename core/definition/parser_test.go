package definition

import (
	"os"
	"path/filepath"
	"testing"

	"workflow-orchestrator/core/models"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const portraitJSON = `{
	"10": {"class_type": "SaveImage", "inputs": {"images": ["3", 0], "filename_prefix": "portrait"}},
	"3": {"class_type": "KSampler", "inputs": {"seed": 42, "model": ["4", 0]}},
	"4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sdxl.safetensors"}},
	"5": {"class_type": "LoadImage", "inputs": {"image": "face.png"}, "_meta": {"title": "Face"}},
	"6": {"class_type": "LoadImageMask", "inputs": {"image": "mask.png", "channel": "alpha"}}
}`

const portraitYAML = `
"1":
  class_type: LoadImage
  inputs:
    image: face.png
"2":
  class_type: SaveImage
  inputs:
    images: ["1", 0]
`

func TestParseJSON(t *testing.T) {
	def, err := Parse([]byte(portraitJSON), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 5, def.Len())

	states := def.NodeStates()
	ids := make([]string, len(states))
	for i, s := range states {
		ids[i] = s.NodeID
		assert.Equal(t, models.NodeStatusPending, s.Status)
	}
	assert.Equal(t, []string{"3", "4", "5", "6", "10"}, ids)
	assert.Equal(t, "SaveImage", states[4].NodeType)

	node, ok := def.Node("5")
	require.True(t, ok)
	assert.Equal(t, "Face", node.Title)
	assert.Equal(t, "face.png", node.Inputs()["image"])

	_, ok = def.Node("99")
	assert.False(t, ok)
}

func TestParseYAML(t *testing.T) {
	def, err := Parse([]byte(portraitYAML), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, 2, def.Len())
	assert.Equal(t, []string{"face.png"}, def.ImageReferences())
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"invalid json", `{"1": {"class_type": `, "failed to parse JSON"},
		{"empty", `{}`, "no nodes"},
		{"not an object", `{"1": "LoadImage"}`, "not an object"},
		{"missing class", `{"1": {"inputs": {}}}`, "no class_type"},
		{"ui export", `{"nodes": [{"id": 1}], "links": [], "version": 0.4}`, "API format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), FormatJSON)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "portrait.json")
	yamlPath := filepath.Join(dir, "portrait.yml")
	require.NoError(t, os.WriteFile(jsonPath, []byte(portraitJSON), 0o644))
	require.NoError(t, os.WriteFile(yamlPath, []byte(portraitYAML), 0o644))

	def, err := ParseFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 5, def.Len())

	def, err = ParseFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 2, def.Len())

	_, err = ParseFile(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRewriteImagesAndMarshal(t *testing.T) {
	def, err := Parse([]byte(portraitJSON), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, []string{"face.png", "mask.png"}, def.ImageReferences())

	n := def.RewriteImages(map[string]string{"face.png": "wf-1_face.png", "other.png": "x.png"})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"wf-1_face.png", "mask.png"}, def.ImageReferences())

	data, err := def.MarshalPrompt()
	require.NoError(t, err)

	var graph map[string]map[string]interface{}
	require.NoError(t, sonic.ConfigStd.Unmarshal(data, &graph))
	assert.Len(t, graph, 5)
	assert.Equal(t, "KSampler", graph["3"]["class_type"])
	inputs := graph["5"]["inputs"].(map[string]interface{})
	assert.Equal(t, "wf-1_face.png", inputs["image"])
}

func TestValidateInputs(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "face.png")
	require.NoError(t, os.WriteFile(image, []byte("png"), 0o644))

	assert.NoError(t, ValidateInputs(nil))
	assert.NoError(t, ValidateInputs([]string{image}))

	err := ValidateInputs([]string{image, filepath.Join(dir, "missing.png")})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Contains(t, err.Error(), "missing.png")

	err = ValidateInputs([]string{dir})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Contains(t, err.Error(), "not a regular file")
}

func TestLessNodeID(t *testing.T) {
	assert.True(t, lessNodeID("2", "10"))
	assert.True(t, lessNodeID("10", "a"))
	assert.False(t, lessNodeID("b", "3"))
	assert.True(t, lessNodeID("a", "b"))
}
