package llm

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicMessagesDeliverSystemTurns(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "do the task"},
		{Role: "assistant", Content: "working on it"},
		{Role: "system", Content: "[BUDGET LIMIT] Wrap up now."},
	}

	out := anthropicMessages(msgs)
	require.Len(t, out, 3)

	// injected system turns are delivered as user messages, not dropped
	assert.Equal(t, anthropic.MessageParamRoleUser, out[2].Role)
	require.Len(t, out[2].Content, 1)
	require.NotNil(t, out[2].Content[0].OfText)
	assert.Equal(t, "[BUDGET LIMIT] Wrap up now.", out[2].Content[0].OfText.Text)
}

func TestAnthropicMessagesAttachImage(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "what is on screen?", ImageB64: "aGVsbG8=", ImageMime: "image/png"},
	}

	out := anthropicMessages(msgs)
	require.Len(t, out, 1)
	require.Len(t, out[0].Content, 2)

	require.NotNil(t, out[0].Content[0].OfText)
	assert.Equal(t, "what is on screen?", out[0].Content[0].OfText.Text)

	require.NotNil(t, out[0].Content[1].OfImage)
	source := out[0].Content[1].OfImage.Source.OfBase64
	require.NotNil(t, source)
	assert.Equal(t, "aGVsbG8=", source.Data)
	assert.Equal(t, anthropic.Base64ImageSourceMediaTypeImagePNG, source.MediaType)
}

func TestAnthropicMessagesToolResult(t *testing.T) {
	msgs := []Message{
		{Role: "tool", ToolCallID: "tc1", Content: "output"},
	}

	out := anthropicMessages(msgs)
	require.Len(t, out, 1)
	require.Len(t, out[0].Content, 1)
	require.NotNil(t, out[0].Content[0].OfToolResult)
	assert.Equal(t, "tc1", out[0].Content[0].OfToolResult.ToolUseID)
}

func TestOpenAIMessagesKeepSystemTurns(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "do the task"},
		{Role: "assistant", Content: "working on it"},
		{Role: "system", Content: "[ROUND_LIMIT] Give your final response now."},
	}

	out, err := openaiMessages(nil, msgs)
	require.NoError(t, err)
	require.Len(t, out, 3)

	require.NotNil(t, out[2].OfSystem)
	assert.Equal(t, "[ROUND_LIMIT] Give your final response now.",
		out[2].OfSystem.Content.OfString.Or(""))
}

func TestOpenAIMessagesSystemBlocksLead(t *testing.T) {
	out, err := openaiMessages(
		[]SystemBlock{{Text: "identity"}, {Text: "runtime"}},
		[]Message{{Role: "user", Content: "hi"}},
	)
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.NotNil(t, out[0].OfSystem)
	assert.Equal(t, "identity\n\nruntime", out[0].OfSystem.Content.OfString.Or(""))
	require.NotNil(t, out[1].OfUser)
}

func TestOpenAIMessagesAttachImage(t *testing.T) {
	out, err := openaiMessages(nil, []Message{
		{Role: "user", Content: "what is on screen?", ImageB64: "aGVsbG8="},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	require.NotNil(t, out[0].OfUser)
	parts := out[0].OfUser.Content.OfArrayOfContentParts
	require.Len(t, parts, 2)

	require.NotNil(t, parts[0].OfText)
	assert.Equal(t, "what is on screen?", parts[0].OfText.Text)

	require.NotNil(t, parts[1].OfImageURL)
	assert.Equal(t, "data:image/jpeg;base64,aGVsbG8=", parts[1].OfImageURL.ImageURL.URL)
}

func TestOpenAIMessagesToolResult(t *testing.T) {
	out, err := openaiMessages(nil, []Message{
		{Role: "tool", ToolCallID: "tc1", Content: "output"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	require.NotNil(t, out[0].OfTool)
	assert.Equal(t, "tc1", out[0].OfTool.ToolCallID)
	assert.Equal(t, "output", out[0].OfTool.Content.OfString.Or(""))
}
