package registry

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/ppiankov/rmacd/internal/model"
)

var (
	// ErrDuplicateTool is returned when a tool_id is registered twice
	// without WithReplace.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidDescriptor wraps every descriptor validation fault.
	ErrInvalidDescriptor = errors.New("invalid tool descriptor")
)

// Descriptor is the governance classification of one callable tool.
type Descriptor struct {
	ToolID       string                   `json:"tool_id"`
	Name         string                   `json:"name"`
	Description  string                   `json:"description"`
	RMACDLevel   model.Operation          `json:"rmacd_level"`
	DataAccess   model.DataClassification `json:"data_access"`
	RequiredHITL model.AutonomyLevel      `json:"required_hitl"`
}

// NormalizeToolID trims, lowercases and replaces spaces and dashes with
// underscores.
func NormalizeToolID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(id)
}

// normalize fills defaults: data access falls back to the implicit
// classification and required oversight to the matrix cell.
func (d Descriptor) normalize() Descriptor {
	d.ToolID = NormalizeToolID(d.ToolID)
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		d.Name = d.ToolID
	}
	if d.DataAccess == "" {
		d.DataAccess = model.ImplicitClassification
	}
	if d.RequiredHITL == "" && d.RMACDLevel.Valid() && d.DataAccess.Valid() {
		d.RequiredHITL = model.MatrixDefault(d.RMACDLevel, d.DataAccess)
	}
	return d
}

// Validate reports every structural fault in d.
func (d Descriptor) Validate() error {
	var errs error
	if d.ToolID == "" {
		errs = multierr.Append(errs, fmt.Errorf("tool_id: required"))
	}
	if !d.RMACDLevel.Valid() {
		errs = multierr.Append(errs, fmt.Errorf("rmacd_level: %w", &model.ValueError{Kind: "operation", Value: string(d.RMACDLevel)}))
	}
	if !d.DataAccess.Valid() {
		errs = multierr.Append(errs, fmt.Errorf("data_access: %w", &model.ValueError{Kind: "data classification", Value: string(d.DataAccess)}))
	}
	if !d.RequiredHITL.Valid() {
		errs = multierr.Append(errs, fmt.Errorf("required_hitl: %w", &model.ValueError{Kind: "autonomy level", Value: string(d.RequiredHITL)}))
	}
	if errs != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidDescriptor, d.ToolID, errs)
	}
	return nil
}
