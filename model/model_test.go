package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, out <-chan Response, errCh <-chan error) []Response {
	t.Helper()
	var responses []Response
	for r := range out {
		responses = append(responses, r)
	}
	require.NoError(t, <-errCh)
	return responses
}

func TestMockModel_ScriptedText(t *testing.T) {
	m := NewMockModel().EnqueueText("first").EnqueueText("second")

	out, errCh := m.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Text: "hi"}},
	})
	responses := collect(t, out, errCh)
	require.Len(t, responses, 1)
	assert.Equal(t, "first", responses[0].Text)
	assert.Equal(t, "stop", responses[0].FinishReason)

	out, errCh = m.Generate(context.Background(), Request{})
	responses = collect(t, out, errCh)
	assert.Equal(t, "second", responses[0].Text)

	// Exhausted script yields an empty final response.
	out, errCh = m.Generate(context.Background(), Request{})
	responses = collect(t, out, errCh)
	require.Len(t, responses, 1)
	assert.Empty(t, responses[0].Text)
}

func TestMockModel_ToolCalls(t *testing.T) {
	m := NewMockModel().EnqueueToolCalls(ToolCall{ID: "c1", Name: "get_time", Arguments: "{}"})

	out, errCh := m.Generate(context.Background(), Request{})
	responses := collect(t, out, errCh)
	require.Len(t, responses, 1)
	require.Len(t, responses[0].ToolCalls, 1)
	assert.Equal(t, "get_time", responses[0].ToolCalls[0].Name)
	assert.Equal(t, "tool_use", responses[0].FinishReason)
}

func TestMockModel_RecordsRequests(t *testing.T) {
	m := NewMockModel().EnqueueText("ok")

	_, errCh := m.Generate(context.Background(), Request{System: "be brief"})
	<-errCh

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "be brief", reqs[0].System)
}
