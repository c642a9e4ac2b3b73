// Package mcpbridge classifies MCP tool definitions into governed tool
// descriptors and answers which tools an agent may call.
package mcpbridge

import (
	"fmt"
	"sort"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/registry"
)

// Descriptor is an externally described tool. Verbs are the declared
// operation verbs; DataAccess and RequiredHITL are optional overrides.
type Descriptor struct {
	Name         string                   `json:"name"`
	Description  string                   `json:"description,omitempty"`
	Verbs        []string                 `json:"operations,omitempty"`
	DataAccess   model.DataClassification `json:"data_access,omitempty"`
	RequiredHITL model.AutonomyLevel      `json:"required_hitl,omitempty"`
	InputSchema  any                      `json:"inputSchema,omitempty"`
	Annotations  *mcpsdk.ToolAnnotations  `json:"annotations,omitempty"`
}

// Classification is the result of Classify.
type Classification struct {
	Tool   registry.Descriptor `json:"tool"`
	Source Source              `json:"source"`
}

// Bridge registers MCP tools in a registry and tracks which tools it owns.
type Bridge struct {
	reg    *registry.Registry
	logger *zap.Logger

	mu    sync.Mutex
	owned map[string]bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// New creates a bridge over reg.
func New(reg *registry.Registry, opts ...Option) *Bridge {
	b := &Bridge{
		reg:    reg,
		logger: zap.NewNop(),
		owned:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("mod", "mcpbridge"))
	return b
}

// Registry returns the underlying registry.
func (b *Bridge) Registry() *registry.Registry { return b.reg }

// Classify infers a tool descriptor without registering it. The level is
// the highest operation among declared verbs; with no recognised verbs it
// falls back to a keyword scan of name and description, then to MCP
// annotations, then to Read. An explicit destructive hint always raises
// the level to Delete.
func Classify(d Descriptor) Classification {
	level, source := model.Read, SourceDefault
	if op, ok := LevelFromVerbs(d.Verbs); ok {
		level, source = op, SourceVerbs
	} else if op, ok := levelFromText(d.Name + " " + d.Description); ok {
		level, source = op, SourceKeywords
	} else if d.Annotations != nil && d.Annotations.ReadOnlyHint {
		source = SourceAnnotations
	}
	if a := d.Annotations; a != nil && !a.ReadOnlyHint && a.DestructiveHint != nil && *a.DestructiveHint {
		if level != model.Delete {
			source = SourceAnnotations
		}
		level = model.Delete
	}

	data := d.DataAccess
	if data == "" {
		data = classFromSchema(d.InputSchema)
	}
	hitl := d.RequiredHITL
	if hitl == "" && data.Valid() {
		hitl = model.MatrixDefault(level, data)
	}

	return Classification{
		Tool: registry.Descriptor{
			ToolID:       registry.NormalizeToolID(d.Name),
			Name:         d.Name,
			Description:  d.Description,
			RMACDLevel:   level,
			DataAccess:   data,
			RequiredHITL: hitl,
		},
		Source: source,
	}
}

// RegisterMCPTool classifies d and registers the result.
func (b *Bridge) RegisterMCPTool(d Descriptor, opts ...registry.RegisterOption) (registry.Descriptor, error) {
	c := Classify(d)
	stored, err := b.reg.Register(c.Tool, opts...)
	if err != nil {
		return registry.Descriptor{}, fmt.Errorf("register mcp tool %q: %w", d.Name, err)
	}

	b.mu.Lock()
	b.owned[stored.ToolID] = true
	b.mu.Unlock()

	b.logger.Info("mcp tool registered",
		zap.String("tool_id", stored.ToolID),
		zap.String("rmacd_level", string(stored.RMACDLevel)),
		zap.String("data_access", string(stored.DataAccess)),
		zap.String("source", string(c.Source)))
	return stored, nil
}

// RegisterSDKTool registers a tool definition as served by an MCP server.
// verbs may be nil.
func (b *Bridge) RegisterSDKTool(t *mcpsdk.Tool, verbs []string, opts ...registry.RegisterOption) (registry.Descriptor, error) {
	if t == nil {
		return registry.Descriptor{}, fmt.Errorf("register mcp tool: nil tool")
	}
	return b.RegisterMCPTool(Descriptor{
		Name:        t.Name,
		Description: t.Description,
		Verbs:       verbs,
		InputSchema: t.InputSchema,
		Annotations: t.Annotations,
	}, opts...)
}

// CanAgentUseTool delegates to the registry's access check.
func (b *Bridge) CanAgentUseTool(name string, perms model.OperationSet, tier model.DataClassification, opts ...registry.AccessOption) (bool, string, error) {
	return b.reg.ValidateToolAccess(registry.NormalizeToolID(name), perms, tier, opts...)
}

// AllowedToolsForAgent returns the bridge-registered tools the agent may
// call, sorted by tool_id. Each check is audited.
func (b *Bridge) AllowedToolsForAgent(perms model.OperationSet, tier model.DataClassification, opts ...registry.AccessOption) ([]string, error) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.owned))
	for id := range b.owned {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)

	var allowed []string
	for _, id := range ids {
		ok, _, err := b.reg.ValidateToolAccess(id, perms, tier, opts...)
		if err != nil {
			return nil, err
		}
		if ok {
			allowed = append(allowed, id)
		}
	}
	return allowed, nil
}

// Adopt marks every tool already in the registry as bridge-owned, for
// registries restored from a saved catalog of MCP tools. It returns the
// number of tools adopted.
func (b *Bridge) Adopt() int {
	tools := b.reg.List()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, d := range tools {
		if !b.owned[d.ToolID] {
			b.owned[d.ToolID] = true
			n++
		}
	}
	return n
}
