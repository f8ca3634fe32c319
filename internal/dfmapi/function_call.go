// Package dfmapi is the client-facing data model: FunctionCall nodes, the
// Process/Execute wrapper, and the Response types sent back to clients. It
// implements the tagged-union re-architecture called out in the design
// notes: every concrete FunctionCall carries an explicit api_class string,
// and a registry maps that tag back to a concrete decoder, replacing the
// source's runtime subtype-rewriting hook with an explicit lookup table.
package dfmapi

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProviderDiscoverySentinel marks a node whose provider should be resolved
// by discovery (every provider exposing the requested api_class) rather
// than a single named provider.
const ProviderDiscoverySentinel = "__advise__"

// FunctionCall is the tagged-union interface every graph node implements.
// APIClass returns the fully-qualified discriminator used on the wire and
// in the decoder registry; Header returns the fields common to every node.
type FunctionCall interface {
	APIClass() string
	Header() *NodeHeader
}

// NodeHeader holds the fields common to every FunctionCall: its stable
// identity, the provider it should resolve against, and the two boolean
// flags that affect compilation and caching.
type NodeHeader struct {
	NodeID       uuid.UUID `json:"node_id"`
	Provider     string    `json:"provider,omitempty"`
	IsOutput     bool      `json:"is_output,omitempty"`
	ForceCompute bool      `json:"force_compute,omitempty"`
}

func (h *NodeHeader) Header() *NodeHeader { return h }

// InputKind distinguishes a single adapter-reference input from a
// list-of-adapter-references input.
type InputKind int

const (
	InputKindNone InputKind = iota
	InputKindSingle
	InputKindList
)

// InputRefs is implemented by FunctionCall types that reference other
// nodes as adapter inputs. The pipeline compiler uses it in pass 2 to
// resolve named inputs through the symbol table.
type InputRefs interface {
	InputNames() []string
	InputKind(name string) InputKind
	InputRef(name string) uuid.UUID
	InputRefList(name string) []uuid.UUID
}

// Decoder unmarshals a raw JSON object already known to carry a particular
// api_class tag into the matching concrete FunctionCall.
type Decoder func(data []byte) (FunctionCall, error)

var registry = map[string]Decoder{}

// Register adds a concrete FunctionCall's decoder to the registry, keyed by
// its api_class tag. Built-in adapters call this from an init() function.
func Register(apiClass string, dec Decoder) {
	registry[apiClass] = dec
}

type tagged struct {
	APIClass string `json:"api_class"`
}

// Decode dispatches a raw FunctionCall JSON object through the registry
// keyed by its api_class field, reconstructing the correct concrete type
// even though the declared field type elsewhere is the base interface.
func Decode(data []byte) (FunctionCall, error) {
	var t tagged
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("dfmapi: decode function call: %w", err)
	}
	if t.APIClass == "" {
		return nil, fmt.Errorf("dfmapi: function call missing api_class")
	}
	dec, ok := registry[t.APIClass]
	if !ok {
		return nil, fmt.Errorf("dfmapi: unknown api_class %q", t.APIClass)
	}
	return dec(data)
}

// Encode serializes a FunctionCall with its api_class tag injected, so the
// wire format always carries the discriminator regardless of the static
// field type the caller held it in.
func Encode(fc FunctionCall) ([]byte, error) {
	return json.Marshal(fc)
}

// marshalTagged is the shared helper every concrete FunctionCall's
// MarshalJSON calls: it serializes the concrete value's own fields plus an
// injected api_class field.
func marshalTagged(apiClass string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(apiClass)
	if err != nil {
		return nil, err
	}
	raw["api_class"] = tag
	return json.Marshal(raw)
}

// Body is the node_id -> FunctionCall mapping inside an Execute. It carries
// its own JSON codec because encoding/json cannot marshal/unmarshal a map
// keyed by uuid.UUID to a polymorphic interface value automatically.
type Body map[uuid.UUID]FunctionCall

func (b Body) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawMessage, len(b))
	for id, fc := range b {
		data, err := Encode(fc)
		if err != nil {
			return nil, fmt.Errorf("dfmapi: encode body node %s: %w", id, err)
		}
		raw[id.String()] = data
	}
	return json.Marshal(raw)
}

func (b *Body) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Body, len(raw))
	for key, val := range raw {
		id, err := uuid.Parse(key)
		if err != nil {
			return fmt.Errorf("dfmapi: body key %q is not a node_id: %w", key, err)
		}
		fc, err := Decode(val)
		if err != nil {
			return fmt.Errorf("dfmapi: body node %s: %w", key, err)
		}
		out[id] = fc
	}
	*b = out
	return nil
}

// Leaves returns the node_ids in body that are not referenced as an input
// by any other node in the same body -- used by tests and diagnostics
// independent of a live compile.
func (b Body) Leaves() []uuid.UUID {
	referenced := map[uuid.UUID]bool{}
	for _, fc := range b {
		ir, ok := fc.(InputRefs)
		if !ok {
			continue
		}
		for _, name := range ir.InputNames() {
			switch ir.InputKind(name) {
			case InputKindSingle:
				referenced[ir.InputRef(name)] = true
			case InputKindList:
				for _, id := range ir.InputRefList(name) {
					referenced[id] = true
				}
			}
		}
	}
	var leaves []uuid.UUID
	for id := range b {
		if !referenced[id] {
			leaves = append(leaves, id)
		}
	}
	return leaves
}
