// Package discovery implements the advice tree: the mechanism by which an
// adapter exposes, field by field, what values a client could legally
// supply. Grounded on spec.md 4.7 and the advice-builder behaviour
// exercised by original_source's
// test_dfm_api_discovery_advice_builder.py, with the Python decorator
// (`@field_advisor`) replaced by an explicit ordered FieldSpec slice an
// adapter returns from FieldAdvisors().
package discovery

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/nvidia-earth2/dfm/internal/dfmerr"
)

// AdvisedValue is what one field advisor returns: guidance for resolving
// a single params field, used both to validate a client-supplied value
// and to enumerate candidates when the client left the field unresolved.
type AdvisedValue interface {
	// Options returns the discoverable candidate values for this field,
	// or ok=false when the kind has no finite option set (e.g. a date
	// range).
	Options() (values []any, ok bool)
	// Validate checks a concrete value the client supplied.
	Validate(value any) error
	SplitOnAdvice() bool
	BreakOnAdvice() bool
}

// AdvisedLiteral advises a single fixed value.
type AdvisedLiteral struct{ Value any }

func (a AdvisedLiteral) Options() ([]any, bool) { return []any{a.Value}, true }
func (a AdvisedLiteral) Validate(value any) error {
	if !equalValue(value, a.Value) {
		return fmt.Errorf("expected %v but got %v", a.Value, value)
	}
	return nil
}
func (AdvisedLiteral) SplitOnAdvice() bool { return false }
func (AdvisedLiteral) BreakOnAdvice() bool { return false }

// AdvisedOneOf advises a choice among alternatives. Each element of
// Values may itself be a plain value or a nested AdvisedValue (e.g. an
// AdvisedLiteral mixed with an AdvisedSubsetOf).
type AdvisedOneOf struct {
	Values            []any
	SplitOnAdviceFlag bool
	BreakOnAdviceFlag bool
}

func (a AdvisedOneOf) Options() ([]any, bool) { return a.Values, true }
func (a AdvisedOneOf) Validate(value any) error {
	for _, opt := range a.Values {
		if nested, ok := opt.(AdvisedValue); ok {
			if nested.Validate(value) == nil {
				return nil
			}
			continue
		}
		if equalValue(value, opt) {
			return nil
		}
	}
	return fmt.Errorf("expected one of %v but got %v", a.Values, value)
}
func (a AdvisedOneOf) SplitOnAdvice() bool { return a.SplitOnAdviceFlag }
func (a AdvisedOneOf) BreakOnAdvice() bool { return a.BreakOnAdviceFlag }

// AdvisedSubsetOf advises that the field's value is a list, every element
// of which must belong to Values.
type AdvisedSubsetOf struct{ Values []any }

func (a AdvisedSubsetOf) Options() ([]any, bool) { return a.Values, true }
func (a AdvisedSubsetOf) Validate(value any) error {
	items, ok := toAnySlice(value)
	if !ok {
		return fmt.Errorf("expected a list, got %T", value)
	}
	for _, item := range items {
		found := false
		for _, allowed := range a.Values {
			if equalValue(item, allowed) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("expected subset of values %v but got %v. Value %v is not allowed", a.Values, items, item)
		}
	}
	return nil
}
func (AdvisedSubsetOf) SplitOnAdvice() bool { return false }
func (AdvisedSubsetOf) BreakOnAdvice() bool { return false }

// AdvisedDict advises a dict shape: known keys validate against their own
// AdvisedValue; unknown keys are rejected unless AllowExtras is set.
type AdvisedDict struct {
	Fields      map[string]AdvisedValue
	AllowExtras bool
}

func (AdvisedDict) Options() ([]any, bool) { return nil, false }
func (a AdvisedDict) Validate(value any) error {
	m, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("expected a dict, got %T", value)
	}
	for key, val := range m {
		spec, known := a.Fields[key]
		if !known {
			if !a.AllowExtras {
				return fmt.Errorf("unexpected key %q", key)
			}
			continue
		}
		if err := spec.Validate(val); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}
	return nil
}
func (AdvisedDict) SplitOnAdvice() bool { return false }
func (AdvisedDict) BreakOnAdvice() bool { return false }

// AdvisedDateRange advises that the field's value is a timestamp string
// lying in the closed range [Start, End] (lexicographic comparison, which
// is correct for RFC3339-formatted timestamps).
type AdvisedDateRange struct{ Start, End string }

func (AdvisedDateRange) Options() ([]any, bool) { return nil, false }
func (a AdvisedDateRange) Validate(value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected a timestamp string, got %T", value)
	}
	if a.Start != "" && s < a.Start {
		return fmt.Errorf("expected timestamp in range [%s, %s] but got %s", a.Start, a.End, s)
	}
	if a.End != "" && s > a.End {
		return fmt.Errorf("expected timestamp in range [%s, %s] but got %s", a.Start, a.End, s)
	}
	return nil
}
func (AdvisedDateRange) SplitOnAdvice() bool { return false }
func (AdvisedDateRange) BreakOnAdvice() bool { return false }

// AdviceNode is one node of the advice tree.
type AdviceNode interface {
	HasGoodOptions() bool
	CollectErrorMessages() map[string][]string
}

// ErrorFieldAdvice is a terminal failure: the value supplied (or
// discoverable) for a field was invalid.
type ErrorFieldAdvice struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e ErrorFieldAdvice) HasGoodOptions() bool { return false }
func (e ErrorFieldAdvice) CollectErrorMessages() map[string][]string {
	return map[string][]string{e.Field: {e.Msg}}
}

// SingleFieldAdvice is one field resolved to a single value (or, when
// unresolved and not split, to the combined candidate set as Value),
// optionally continuing into the next field's advice as Edge.
type SingleFieldAdvice struct {
	Field      string     `json:"field"`
	Value      any        `json:"value"`
	Candidates []any      `json:"candidates,omitempty"`
	Edge       AdviceNode `json:"edge,omitempty"`

	rebuild func(chosen any) (AdviceNode, error)
}

func (s SingleFieldAdvice) HasGoodOptions() bool {
	if s.Edge == nil {
		return true
	}
	return s.Edge.HasGoodOptions()
}

func (s SingleFieldAdvice) CollectErrorMessages() map[string][]string {
	if s.Edge == nil {
		return map[string][]string{}
	}
	return s.Edge.CollectErrorMessages()
}

// Values iterates the viable option values at this node: the candidate
// set when unresolved, or the single resolved value otherwise.
func (s SingleFieldAdvice) Values() []any {
	if s.Candidates != nil {
		return s.Candidates
	}
	return []any{s.Value}
}

// Select descends into the branch for a chosen value. Returns a
// PartialError if this node cannot continue building (break_on_advice),
// and a DataError if value isn't among the candidates.
func (s SingleFieldAdvice) Select(value any) (AdviceNode, error) {
	if s.Candidates == nil {
		return nil, dfmerr.NewDataError("field %s is already resolved to a single value", s.Field)
	}
	found := false
	for _, c := range s.Candidates {
		if equalValue(c, value) {
			found = true
			break
		}
	}
	if !found {
		return nil, dfmerr.NewDataError("field %s has no option %v", s.Field, value)
	}
	if s.rebuild == nil {
		return nil, dfmerr.NewPartialError("field %s stops advice generation here (break_on_advice)", s.Field)
	}
	return s.rebuild(value)
}

// BranchFieldAdvice is one field with multiple fully-built alternative
// subtrees (split_on_advice).
type BranchFieldAdvice struct {
	Field   string              `json:"field"`
	Options []SingleFieldAdvice `json:"options"`
}

func (b BranchFieldAdvice) HasGoodOptions() bool {
	for _, o := range b.Options {
		if o.HasGoodOptions() {
			return true
		}
	}
	return false
}

func (b BranchFieldAdvice) CollectErrorMessages() map[string][]string {
	out := map[string][]string{}
	for _, o := range b.Options {
		for k, v := range o.CollectErrorMessages() {
			out[k] = append(out[k], v...)
		}
	}
	return out
}

// Values iterates the branch's viable option values, skipping any whose
// subtree contains only errors.
func (b BranchFieldAdvice) Values() []any {
	var out []any
	for _, o := range b.Options {
		if o.HasGoodOptions() {
			out = append(out, o.Value)
		}
	}
	return out
}

func (b BranchFieldAdvice) Select(value any) (AdviceNode, error) {
	for _, o := range b.Options {
		if equalValue(o.Value, value) {
			if !o.HasGoodOptions() {
				return nil, dfmerr.NewPartialError("option %v of field %s leads only to errors", value, b.Field)
			}
			return o, nil
		}
	}
	return nil, dfmerr.NewDataError("field %s has no option %v", b.Field, value)
}

// Advisor produces advice for one field, given the client-supplied value
// (nil/zero if unresolved) and the context of earlier-resolved fields.
type Advisor func(ctx context.Context, value any, fieldsContext map[string]any) (AdvisedValue, error)

// FieldSpec binds an Advisor to a params field name and its evaluation
// order.
type FieldSpec struct {
	Name   string
	Order  int
	Advise Advisor
}

// Adviseable is implemented by adapters that declare field advisors.
type Adviseable interface {
	FieldAdvisors() []FieldSpec
}

// ValueProvider is implemented alongside Adviseable by adapters that can
// report which of their declared fields already carry a client-supplied
// value, so Build validates those instead of treating every field as
// unresolved.
type ValueProvider interface {
	AdvisedValues() map[string]any
}

// unresolved marks a values map entry whose field the client left for
// discovery, distinct from an entry simply absent.
type Unresolved struct{}

// Build runs an adviseable's field advisors in order, propagating context,
// and returns the resulting advice tree (nil when every field is already
// resolved and valid).
func Build(ctx context.Context, adviseable Adviseable, values map[string]any) (AdviceNode, error) {
	specs := append([]FieldSpec(nil), adviseable.FieldAdvisors()...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Order < specs[j].Order })
	return build(ctx, specs, 0, values, map[string]any{})
}

func build(ctx context.Context, specs []FieldSpec, idx int, values, fieldsCtx map[string]any) (AdviceNode, error) {
	if idx >= len(specs) {
		return nil, nil
	}
	spec := specs[idx]
	provided, has := values[spec.Name]
	if _, isUnresolved := provided.(Unresolved); isUnresolved {
		has = false
	}

	advised, err := spec.Advise(ctx, provided, fieldsCtx)
	if err != nil {
		return nil, fmt.Errorf("discovery: advise field %s: %w", spec.Name, err)
	}

	if has {
		if verr := advised.Validate(provided); verr != nil {
			return SingleFieldAdvice{
				Field: spec.Name,
				Value: provided,
				Edge:  ErrorFieldAdvice{Field: spec.Name, Msg: verr.Error()},
			}, nil
		}
		// A field that was supplied and validates cleanly doesn't appear
		// in the tree at all -- generate_advice surfaces only the first
		// field that needs a decision or failed validation.
		return buildNext(ctx, specs, idx, values, fieldsCtx, spec.Name, provided)
	}

	opts, enumerable := advised.Options()
	if !enumerable {
		return ErrorFieldAdvice{Field: spec.Name, Msg: "field requires a value and has no discoverable options"}, nil
	}
	candidates := representatives(opts)

	if advised.SplitOnAdvice() {
		options := make([]SingleFieldAdvice, 0, len(candidates))
		for _, v := range candidates {
			edge, err := buildNext(ctx, specs, idx, values, fieldsCtx, spec.Name, v)
			if err != nil {
				return nil, err
			}
			options = append(options, SingleFieldAdvice{Field: spec.Name, Value: v, Edge: edge})
		}
		return BranchFieldAdvice{Field: spec.Name, Options: options}, nil
	}

	node := SingleFieldAdvice{Field: spec.Name, Value: combinedValue(candidates), Candidates: candidates}
	if !advised.BreakOnAdvice() {
		node.rebuild = func(chosen any) (AdviceNode, error) {
			return buildNext(ctx, specs, idx, values, fieldsCtx, spec.Name, chosen)
		}
	}
	return node, nil
}

func buildNext(ctx context.Context, specs []FieldSpec, idx int, values, fieldsCtx map[string]any, field string, resolved any) (AdviceNode, error) {
	nextCtx := make(map[string]any, len(fieldsCtx)+1)
	for k, v := range fieldsCtx {
		nextCtx[k] = v
	}
	nextCtx[field] = resolved
	return build(ctx, specs, idx+1, values, nextCtx)
}

// representatives flattens a candidate list that may mix plain values
// with nested AdvisedValue entries (AdvisedLiteral -> its value,
// AdvisedSubsetOf -> its full value set, anything else -> itself).
func representatives(opts []any) []any {
	out := make([]any, 0, len(opts))
	for _, opt := range opts {
		switch v := opt.(type) {
		case AdvisedLiteral:
			out = append(out, v.Value)
		case AdvisedSubsetOf:
			out = append(out, append([]any(nil), v.Values...))
		default:
			out = append(out, opt)
		}
	}
	return out
}

// combinedValue collapses a single-candidate list to its bare value, and
// leaves a multi-candidate list as the list itself (the representation a
// client sees when a field wasn't split into branches).
func combinedValue(candidates []any) any {
	if len(candidates) == 1 {
		return candidates[0]
	}
	return candidates
}

func toAnySlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func equalValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
