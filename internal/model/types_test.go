package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagsAcceptStringOrArray(t *testing.T) {
	var fromArray struct {
		Tags Tags `json:"tags"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tags":["rain"," night ",""]}`), &fromArray))
	assert.Equal(t, Tags{"rain", "night"}, fromArray.Tags)

	var fromString struct {
		Tags Tags `json:"tags"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tags":"rain, night,,neon"}`), &fromString))
	assert.Equal(t, Tags{"rain", "night", "neon"}, fromString.Tags)

	var bad struct {
		Tags Tags `json:"tags"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"tags":42}`), &bad))
}

func TestParseGenerationMode(t *testing.T) {
	mode, ok := ParseGenerationMode("")
	assert.True(t, ok)
	assert.Equal(t, ModeImage, mode)

	mode, ok = ParseGenerationMode(" Video ")
	assert.True(t, ok)
	assert.Equal(t, ModeVideo, mode)

	_, ok = ParseGenerationMode("audio")
	assert.False(t, ok)
}

func TestDefaultGenerationOptionsEncodeEmptyOverrides(t *testing.T) {
	raw, err := json.Marshal(DefaultGenerationOptions())
	require.NoError(t, err)
	assert.JSONEq(t, `{"video":false,"refine_face":true,"aspect_ratio":"16:9","style_overrides":[]}`, string(raw))
}
