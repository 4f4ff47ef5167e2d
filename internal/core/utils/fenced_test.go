package utils_test

import (
	"errors"
	"medassist-backend/internal/core/utils"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fenceOpen  = "```markdown"
	fenceClose = "```"
)

func TestExtractFencedBlock(t *testing.T) {
	cases := map[string]struct {
		text     string
		expected string
	}{
		"plain": {
			text:     "```markdown\n# Report\nAll clear.\n```",
			expected: "# Report\nAll clear.",
		},
		"surrounding chatter": {
			text:     "Sure, here it is:\n```markdown\n# Report\n```\nLet me know if you need changes.",
			expected: "# Report",
		},
		"nested code block keeps inner fences": {
			text:     "```markdown\n# Report\n```json\n{}\n```\nEnd\n```",
			expected: "# Report\n```json\n{}\n```\nEnd",
		},
		"empty block": {
			text:     "```markdown\n```",
			expected: "",
		},
	}

	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := utils.ExtractFencedBlock(c.text, fenceOpen, fenceClose)
			require.NoError(t, err)
			assert.Equal(t, c.expected, out)
		})
	}
}

func TestExtractFencedBlockMissingDelimiters(t *testing.T) {
	for _, text := range []string{
		"# Report\nno fences at all",
		"```markdown\n# Report without closing fence",
		"```\nwrong opening fence\n```",
		"",
	} {
		out, err := utils.ExtractFencedBlock(text, fenceOpen, fenceClose)
		var terr *utils.TemplateExtractionError
		assert.True(t, errors.As(err, &terr), "text=%q", text)
		assert.Empty(t, out)
	}
}
