package mcpbridge

import (
	"errors"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/registry"
)

func boolPtr(b bool) *bool { return &b }

func TestLevelFromVerbsTakesWorstCase(t *testing.T) {
	cases := []struct {
		verbs []string
		want  model.Operation
		ok    bool
	}{
		{[]string{"read", "list"}, model.Read, true},
		{[]string{"read", "write"}, model.Add, true},
		{[]string{"list", "delete", "update"}, model.Delete, true},
		{[]string{"transfer"}, model.Move, true},
		{[]string{"Modify"}, model.Change, true},
		{[]string{"updates", "reading"}, model.Change, true},
		{[]string{"frobnicate"}, "", false},
		{nil, "", false},
	}
	for _, tc := range cases {
		got, ok := LevelFromVerbs(tc.verbs)
		assert.Equal(t, tc.ok, ok, "%v", tc.verbs)
		assert.Equal(t, tc.want, got, "%v", tc.verbs)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"delete", "user", "record"}, tokenize("deleteUser record"))
	assert.Equal(t, []string{"send", "slack", "message"}, tokenize("send_slack-message"))
	assert.Equal(t, []string{"httpserver", "v"}, tokenize("HTTPServer v2"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		d      Descriptor
		level  model.Operation
		data   model.DataClassification
		hitl   model.AutonomyLevel
		source Source
	}{
		{
			name:  "verbs win over text",
			d:     Descriptor{Name: "delete_cache", Verbs: []string{"read"}},
			level: model.Read, data: model.Internal, hitl: model.Logged, source: SourceVerbs,
		},
		{
			name:  "keyword scan of name",
			d:     Descriptor{Name: "drop-table", Description: "Remove a table"},
			level: model.Delete, data: model.Internal, hitl: model.ElevatedApproval, source: SourceKeywords,
		},
		{
			name:  "unrecognised verbs fall back to description",
			d:     Descriptor{Name: "sync", Description: "Copy files to the archive", Verbs: []string{"frobnicate"}},
			level: model.Move, data: model.Internal, hitl: model.Notification, source: SourceKeywords,
		},
		{
			name:  "read-only annotation",
			d:     Descriptor{Name: "weather", Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true}},
			level: model.Read, data: model.Internal, hitl: model.Logged, source: SourceAnnotations,
		},
		{
			name:  "destructive hint raises level",
			d:     Descriptor{Name: "sync", Verbs: []string{"write"}, Annotations: &mcpsdk.ToolAnnotations{DestructiveHint: boolPtr(true)}},
			level: model.Delete, data: model.Internal, hitl: model.ElevatedApproval, source: SourceAnnotations,
		},
		{
			name:  "default read",
			d:     Descriptor{Name: "weather"},
			level: model.Read, data: model.Internal, hitl: model.Logged, source: SourceDefault,
		},
		{
			name:  "explicit data access and oversight",
			d:     Descriptor{Name: "publish", Verbs: []string{"create"}, DataAccess: model.Public, RequiredHITL: model.Autonomous},
			level: model.Add, data: model.Public, hitl: model.Autonomous, source: SourceVerbs,
		},
		{
			name: "schema names a credential",
			d: Descriptor{Name: "login", Verbs: []string{"read"}, InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"password": map[string]any{"type": "string"}},
			}},
			level: model.Read, data: model.Restricted, hitl: model.Approval, source: SourceVerbs,
		},
		{
			name: "schema names personal data",
			d: Descriptor{Name: "lookup_customer", Verbs: []string{"get"}, InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"pii_fields": map[string]any{"type": "array"}},
			}},
			level: model.Read, data: model.Confidential, hitl: model.Logged, source: SourceVerbs,
		},
		{
			name:  "schema without sensitive fields stays internal",
			d:     Descriptor{Name: "list_jobs", Verbs: []string{"list"}, InputSchema: map[string]any{"type": "object"}},
			level: model.Read, data: model.Internal, hitl: model.Logged, source: SourceVerbs,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.d)
			assert.Equal(t, tc.level, c.Tool.RMACDLevel)
			assert.Equal(t, tc.data, c.Tool.DataAccess)
			assert.Equal(t, tc.hitl, c.Tool.RequiredHITL)
			assert.Equal(t, tc.source, c.Source)
		})
	}
}

func TestBridgeRegisterAndAllowedTools(t *testing.T) {
	b := New(registry.New("mcp-registry"))

	for _, d := range []Descriptor{
		{Name: "list_files", Verbs: []string{"list", "read"}},
		{Name: "send-email", Verbs: []string{"create"}, DataAccess: model.Public},
		{Name: "delete_user", Verbs: []string{"delete"}},
		{Name: "read_vault", Verbs: []string{"read"}, DataAccess: model.Restricted},
	} {
		_, err := b.RegisterMCPTool(d)
		require.NoError(t, err, d.Name)
	}

	d, ok := b.Registry().Get("send_email")
	require.True(t, ok)
	assert.Equal(t, model.Add, d.RMACDLevel)
	assert.Equal(t, model.Notification, d.RequiredHITL)

	allowed, err := b.AllowedToolsForAgent(model.NewOperationSet(model.Read, model.Add), model.Internal)
	require.NoError(t, err)
	assert.Equal(t, []string{"list_files", "send_email"}, allowed)

	allowed, err = b.AllowedToolsForAgent(model.NewOperationSet(model.Operations...), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"delete_user", "list_files", "read_vault", "send_email"}, allowed)

	ok, reason, err := b.CanAgentUseTool("Delete-User", model.NewOperationSet(model.Read), model.Internal)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, registry.ReasonLevelNotAllowed)

	_, err = b.RegisterMCPTool(Descriptor{Name: "list_files"})
	assert.True(t, errors.Is(err, registry.ErrDuplicateTool))
}

func TestRegisterSDKTool(t *testing.T) {
	b := New(registry.New("mcp-registry"))

	d, err := b.RegisterSDKTool(&mcpsdk.Tool{
		Name:        "purgeBucket",
		Description: "Purges every object in a bucket",
		InputSchema: map[string]any{"type": "object"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "purgebucket", d.ToolID)
	assert.Equal(t, model.Delete, d.RMACDLevel)

	_, err = b.RegisterSDKTool(nil, nil)
	assert.Error(t, err)
}

func TestAdoptRestoredCatalog(t *testing.T) {
	reg := registry.New("restored")
	_, err := reg.Register(registry.Descriptor{ToolID: "list_files", RMACDLevel: model.Read})
	require.NoError(t, err)
	_, err = reg.Register(registry.Descriptor{ToolID: "drop_bucket", RMACDLevel: model.Delete})
	require.NoError(t, err)

	b := New(reg)
	allowed, err := b.AllowedToolsForAgent(model.NewOperationSet(model.Read), model.Internal)
	require.NoError(t, err)
	assert.Empty(t, allowed)

	assert.Equal(t, 2, b.Adopt())
	assert.Equal(t, 0, b.Adopt())

	allowed, err = b.AllowedToolsForAgent(model.NewOperationSet(model.Read), model.Internal)
	require.NoError(t, err)
	assert.Equal(t, []string{"list_files"}, allowed)
}
