package agent

import (
	"context"
	"testing"

	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/gateway"
	"github.com/hupe1980/companionkit/logging"
	"github.com/hupe1980/companionkit/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constTool(name, value string) tool.Tool {
	return tool.NewFunctionTool(name, "returns a constant",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			return value, nil
		},
	)
}

func boundBase(t *testing.T, meta Metadata, global *tool.Registry) *Base {
	t.Helper()
	b := NewBase(meta)
	b.Bind(global, gateway.New(gateway.WithConfirmer(gateway.AutoApprove)), logging.NoOpLogger{})
	return b
}

func TestPriority_Rank(t *testing.T) {
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
	// Unknown priorities rank as normal.
	assert.Equal(t, PriorityNormal.Rank(), Priority("odd").Rank())
}

func TestBase_DefaultsAndMetadata(t *testing.T) {
	b := NewBase(Metadata{ID: "a1"})
	assert.Equal(t, PriorityNormal, b.Metadata().Priority)
	assert.True(t, b.ShouldTrigger(context.Background(), core.AgentContext{}))
	assert.NoError(t, b.OnInitialize(context.Background()))
}

func TestBase_ScopeShadowsGlobal(t *testing.T) {
	global := tool.NewRegistry()
	require.NoError(t, global.Register(constTool("lookup", "global")))

	b := boundBase(t, Metadata{ID: "a1"}, global)
	require.NoError(t, b.RegisterTool(constTool("lookup", "private")))

	res, err := b.CallTool(context.Background(), "lookup", nil)
	require.NoError(t, err)
	assert.Equal(t, "private", res)
}

func TestBase_FallsBackToGlobal(t *testing.T) {
	global := tool.NewRegistry()
	require.NoError(t, global.Register(constTool("shared", "global")))

	b := boundBase(t, Metadata{ID: "a1"}, global)

	res, err := b.CallTool(context.Background(), "shared", nil)
	require.NoError(t, err)
	assert.Equal(t, "global", res)

	_, err = b.CallTool(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, tool.ErrNotFound)
}

func TestBase_AllowedToolsRestrictGlobal(t *testing.T) {
	global := tool.NewRegistry()
	require.NoError(t, global.Register(constTool("allowed", "a")))
	require.NoError(t, global.Register(constTool("forbidden", "f")))

	b := boundBase(t, Metadata{ID: "a1", AllowedTools: []string{"allowed"}}, global)
	require.NoError(t, b.RegisterTool(constTool("mine", "private")))

	_, err := b.CallTool(context.Background(), "allowed", nil)
	assert.NoError(t, err)

	_, err = b.CallTool(context.Background(), "forbidden", nil)
	assert.ErrorIs(t, err, tool.ErrNotFound)

	// Private tools stay reachable regardless of the allow list.
	res, err := b.CallTool(context.Background(), "mine", nil)
	require.NoError(t, err)
	assert.Equal(t, "private", res)
}

func TestBase_UnboundGateway(t *testing.T) {
	b := NewBase(Metadata{ID: "a1"})
	require.NoError(t, b.RegisterTool(constTool("mine", "x")))

	_, err := b.CallTool(context.Background(), "mine", nil)
	assert.Error(t, err)
}
