package ai

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	type ranked struct {
		File     string  `json:"file"`
		Priority float64 `json:"priority"`
	}

	t.Run("fenced", func(t *testing.T) {
		var out []ranked
		err := ExtractJSON("Here you go:\n```json\n[{\"file\":\"a.go\",\"priority\":0.9}]\n```\nDone.", &out)
		require.NoError(t, err)
		assert.Equal(t, []ranked{{File: "a.go", Priority: 0.9}}, out)
	})

	t.Run("surrounded by prose", func(t *testing.T) {
		var out struct {
			Summary string `json:"summary"`
		}
		err := ExtractJSON(`Sure. {"summary":"ok"} trailing words`, &out)
		require.NoError(t, err)
		assert.Equal(t, "ok", out.Summary)
	})

	t.Run("bracketed prose before the document", func(t *testing.T) {
		var out []ranked
		err := ExtractJSON(`[note] here is the ranking: [{"file":"a.go","priority":0.5}]`, &out)
		require.NoError(t, err)
		assert.Equal(t, []ranked{{File: "a.go", Priority: 0.5}}, out)
	})

	t.Run("valid json of the wrong shape is skipped", func(t *testing.T) {
		var out []ranked
		err := ExtractJSON(`Step [1] done. {"x": 1} [{"file":"b.go","priority":1}]`, &out)
		require.NoError(t, err)
		assert.Equal(t, []ranked{{File: "b.go", Priority: 1}}, out)
	})

	t.Run("no document", func(t *testing.T) {
		var out []ranked
		err := ExtractJSON("I could not rank these files.", &out)
		assert.True(t, errors.Is(err, ErrMalformedResponse))
	})

	t.Run("truncated", func(t *testing.T) {
		var out []ranked
		err := ExtractJSON(`[{"file":"a.go","prio`, &out)
		assert.True(t, errors.Is(err, ErrMalformedResponse))
	})
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
}

func TestUsage(t *testing.T) {
	var u Usage
	u.Add(Response{InputTokens: 1_000_000, OutputTokens: 500_000})
	u.Merge(Usage{InputTokens: 1_000_000})
	assert.Equal(t, 2_000_000, u.InputTokens)
	assert.InDelta(t, 2*3.0+0.5*15.0, u.Cost(3, 15), 1e-9)
	assert.True(t, Response{StopReason: StopMaxTokens}.Truncated())
}
