package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance for rule definitions.
var validate = validator.New()

// StreamRule is a threshold rule evaluated against the live event stream.
// When Threshold matching events for the same entity fall within Window,
// the stream correlator emits a raw alert.
type StreamRule struct {
	ID          string        `json:"id" validate:"required"`
	Name        string        `json:"name" validate:"required"`
	Description string        `json:"description"`
	Enabled     bool          `json:"enabled"`
	Severity    Severity      `json:"severity" validate:"required,oneof=low medium high critical"`
	Window      time.Duration `json:"window" validate:"required,gt=0"`
	Threshold   int           `json:"threshold" validate:"required,gt=0"`
	Expr        string        `json:"expr" validate:"required"`
	EntityField string        `json:"entity_field" validate:"required"`
	// GroupBy names the fields used to derive the aggregation grouping key.
	// Empty means the default of rule id + entity key.
	GroupBy   []string  `json:"group_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the structural invariants of the rule definition.
func (r *StreamRule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("stream rule %q: %w", r.ID, err)
	}
	return nil
}

// BatchRule is a scheduled meta-query over already-raised alerts. Its SQL
// template is executed against the store with the lookback substituted for
// the {WINDOW_S} placeholder.
type BatchRule struct {
	ID          string        `json:"id" validate:"required"`
	Name        string        `json:"name" validate:"required"`
	Description string        `json:"description"`
	Enabled     bool          `json:"enabled"`
	Interval    time.Duration `json:"interval" validate:"required,gt=0"`
	Lookback    time.Duration `json:"lookback" validate:"required,gt=0"`
	SQLTemplate string        `json:"sql_template" validate:"required"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// WindowPlaceholder is the token in a batch rule template replaced with the
// rule's lookback in seconds at execution time.
const WindowPlaceholder = "{WINDOW_S}"

// Validate checks the structural invariants of the rule definition.
func (r *BatchRule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("batch rule %q: %w", r.ID, err)
	}
	if !strings.Contains(r.SQLTemplate, WindowPlaceholder) {
		return fmt.Errorf("batch rule %q: sql_template missing %s placeholder", r.ID, WindowPlaceholder)
	}
	return nil
}

// RenderSQL substitutes the lookback window into the rule's query template.
func (r *BatchRule) RenderSQL() string {
	secs := int64(r.Lookback / time.Second)
	return strings.ReplaceAll(r.SQLTemplate, WindowPlaceholder, fmt.Sprintf("%d", secs))
}
