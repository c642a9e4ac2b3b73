package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ppiankov/rmacd/internal/audit"
	"github.com/ppiankov/rmacd/internal/model"
)

// CatalogVersion is the format version written by ExportJSON.
const CatalogVersion = "1.0.0"

// catalogConstraint accepts any 1.x catalog.
var catalogConstraint = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	v, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return v
}

// Catalog is the portable form of a registry.
type Catalog struct {
	CatalogVersion string       `json:"catalog_version"`
	RegistryID     string       `json:"registry_id"`
	Tools          []Descriptor `json:"tools"`
}

// ImportError aggregates every fault found in a catalog document. Nothing
// is imported when it is returned.
type ImportError struct {
	Faults []error
}

func (e *ImportError) Error() string {
	msgs := make([]string, len(e.Faults))
	for i, f := range e.Faults {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("catalog import: %d fault(s): %s", len(e.Faults), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual faults to errors.Is and errors.As.
func (e *ImportError) Unwrap() []error {
	return e.Faults
}

// Export returns the catalogue sorted by tool_id.
func (r *Registry) Export() Catalog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Catalog{
		CatalogVersion: CatalogVersion,
		RegistryID:     r.id,
		Tools:          r.sortedLocked(),
	}
}

// ExportJSON serialises the catalogue.
func (r *Registry) ExportJSON() ([]byte, error) {
	data, err := json.MarshalIndent(r.Export(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export catalog: %w", err)
	}
	return data, nil
}

// ImportOption configures ImportJSON.
type ImportOption func(*importConfig)

type importConfig struct {
	replace bool
	restore bool
}

// WithImportReplace lets imported entries overwrite registered tools.
func WithImportReplace() ImportOption {
	return func(c *importConfig) { c.replace = true }
}

// WithImportRestore marks the catalog as this registry's own saved state.
// Its registrations are already in the restored audit chain, so no
// imported entry is appended.
func WithImportRestore() ImportOption {
	return func(c *importConfig) { c.restore = true }
}

type catalogDoc struct {
	CatalogVersion *string           `json:"catalog_version"`
	RegistryID     *string           `json:"registry_id"`
	Tools          []json.RawMessage `json:"tools"`
}

type descriptorDoc struct {
	ToolID       *string `json:"tool_id"`
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	RMACDLevel   *string `json:"rmacd_level"`
	DataAccess   *string `json:"data_access"`
	RequiredHITL *string `json:"required_hitl"`
}

// ImportJSON loads a catalog produced by ExportJSON. Every entry must carry
// every descriptor field and no others. All faults are collected into an
// *ImportError and the registry is left untouched; otherwise every entry
// is registered atomically.
func (r *Registry) ImportJSON(data []byte, opts ...ImportOption) error {
	var cfg importConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var doc catalogDoc
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return &ImportError{Faults: []error{fmt.Errorf("decode catalog: %w", err)}}
	}

	var errs error
	switch {
	case doc.CatalogVersion == nil:
		errs = multierr.Append(errs, errors.New("catalog_version: required"))
	default:
		v, err := semver.NewVersion(*doc.CatalogVersion)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("catalog_version %q: %w", *doc.CatalogVersion, err))
		} else if !catalogConstraint.Check(v) {
			errs = multierr.Append(errs, fmt.Errorf("catalog_version %s: unsupported, want %s", v, catalogConstraint))
		}
	}
	if doc.RegistryID == nil {
		errs = multierr.Append(errs, errors.New("registry_id: required"))
	}
	if doc.Tools == nil {
		errs = multierr.Append(errs, errors.New("tools: required"))
	}

	parsed := make([]Descriptor, 0, len(doc.Tools))
	seen := map[string]int{}
	for i, raw := range doc.Tools {
		d, err := decodeDescriptor(raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tools[%d]: %w", i, err))
			continue
		}
		if j, dup := seen[d.ToolID]; dup {
			errs = multierr.Append(errs, fmt.Errorf("tools[%d]: %w: %s duplicates tools[%d]", i, ErrDuplicateTool, d.ToolID, j))
			continue
		}
		seen[d.ToolID] = i
		parsed = append(parsed, d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !cfg.replace {
		for i, d := range parsed {
			if _, exists := r.tools[d.ToolID]; exists {
				errs = multierr.Append(errs, fmt.Errorf("tools[%d]: %w: %s", i, ErrDuplicateTool, d.ToolID))
			}
		}
	}
	if errs != nil {
		return &ImportError{Faults: multierr.Errors(errs)}
	}

	ids := make([]string, 0, len(parsed))
	for _, d := range parsed {
		seq := r.nextSeq
		if prev, ok := r.tools[d.ToolID]; ok {
			seq = prev.seq
		} else {
			r.nextSeq++
		}
		r.tools[d.ToolID] = record{d: d, seq: seq}
		ids = append(ids, d.ToolID)
	}
	if !cfg.restore {
		r.appendLocked(audit.Entry{
			Action:  audit.ActionRegister,
			ToolIDs: ids,
			Outcome: audit.OutcomeImported,
			Reason:  fmt.Sprintf("catalog %s from %s", *doc.CatalogVersion, *doc.RegistryID),
		})
	}
	r.metrics.ToolsRegistered.Set(float64(len(r.tools)))
	r.logger.Info("catalog imported", zap.Int("tools", len(ids)))
	return nil
}

func decodeDescriptor(raw json.RawMessage) (Descriptor, error) {
	var doc descriptorDoc
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}

	var errs error
	required := func(name string, v *string) string {
		if v == nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: required", name))
			return ""
		}
		return *v
	}
	d := Descriptor{
		ToolID:       required("tool_id", doc.ToolID),
		Name:         required("name", doc.Name),
		Description:  required("description", doc.Description),
		RMACDLevel:   model.Operation(required("rmacd_level", doc.RMACDLevel)),
		DataAccess:   model.DataClassification(required("data_access", doc.DataAccess)),
		RequiredHITL: model.AutonomyLevel(required("required_hitl", doc.RequiredHITL)),
	}
	if errs != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidDescriptor, errs)
	}
	d.ToolID = NormalizeToolID(d.ToolID)
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
