// Package pod defines the parameter objects exchanged with nodes during link
// negotiation: formats, buffer requirements and metadata requests.
//
// Every property of an object is a Choice. Negotiation intersects the objects
// offered by both ends of a link and fixates the result so that every property
// holds a single value.
package pod

import (
	"errors"
	"maps"
	"slices"
	"strings"
)

// ParamID identifies the kind of parameter an object describes.
type ParamID uint32

const (
	ParamInvalid ParamID = iota
	// ParamEnumFormat enumerates the formats a port can accept
	ParamEnumFormat
	// ParamFormat is the active format of a port
	ParamFormat
	// ParamBuffers describes buffer count and size requirements
	ParamBuffers
	// ParamMeta requests a metadata area on every buffer
	ParamMeta
)

// String returns the string representation of ParamID
func (id ParamID) String() string {
	switch id {
	case ParamEnumFormat:
		return "EnumFormat"
	case ParamFormat:
		return "Format"
	case ParamBuffers:
		return "Buffers"
	case ParamMeta:
		return "Meta"
	default:
		return "Invalid"
	}
}

// Keys used by Buffers and Meta objects.
const (
	KeyBuffers = "buffers"
	KeyBlocks  = "blocks"
	KeySize    = "size"
	KeyStride  = "stride"
	KeyAlign   = "align"
	KeyType    = "type"
)

// ErrNoIntersection is returned when two objects have nothing in common.
var ErrNoIntersection = errors.New("no intersection")

// Object is a typed set of properties.
//
// MediaType is "type/subtype" for formats (for example "audio/raw") and empty
// for Buffers and Meta objects.
type Object struct {
	ID        ParamID
	MediaType string
	Props     map[string]Choice
}

// NewObject creates an object with the given properties.
func NewObject(id ParamID, mediaType string, props map[string]Choice) *Object {
	if props == nil {
		props = make(map[string]Choice)
	}
	return &Object{ID: id, MediaType: mediaType, Props: props}
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	props := make(map[string]Choice, len(o.Props))
	for k, c := range o.Props {
		props[k] = Choice{Kind: c.Kind, Values: slices.Clone(c.Values)}
	}
	return &Object{ID: o.ID, MediaType: o.MediaType, Props: props}
}

// Get returns the value of a fixed property.
func (o *Object) Get(key string) (int64, bool) {
	if o == nil {
		return 0, false
	}
	c, ok := o.Props[key]
	if !ok || len(c.Values) == 0 {
		return 0, false
	}
	return c.Default(), true
}

// GetOr returns the value of a property or def when absent.
func (o *Object) GetOr(key string, def int64) int64 {
	if v, ok := o.Get(key); ok {
		return v
	}
	return def
}

// IsFixed reports whether every property holds a single value.
func (o *Object) IsFixed() bool {
	for _, c := range o.Props {
		if !c.IsFixed() {
			return false
		}
	}
	return true
}

// Fixate returns a copy with every property collapsed to one value.
func (o *Object) Fixate() *Object {
	out := o.Clone()
	for k, c := range out.Props {
		out.Props[k] = c.Fixate()
	}
	return out
}

// Intersect returns the object allowed by both a and b.
//
// Media types must match when both are set. Properties present on only one side
// pass through unchanged. A nil operand acts as "no constraint". The result takes
// its ID from a.
func Intersect(a, b *Object) (*Object, error) {
	switch {
	case a == nil && b == nil:
		return nil, ErrNoIntersection
	case a == nil:
		return b.Clone(), nil
	case b == nil:
		return a.Clone(), nil
	}
	mediaType := a.MediaType
	if a.MediaType != "" && b.MediaType != "" && a.MediaType != b.MediaType {
		return nil, ErrNoIntersection
	}
	if mediaType == "" {
		mediaType = b.MediaType
	}

	out := NewObject(a.ID, mediaType, nil)
	for k, ca := range a.Props {
		cb, ok := b.Props[k]
		if !ok {
			out.Props[k] = ca
			continue
		}
		c, ok := ca.Intersect(cb)
		if !ok {
			return nil, ErrNoIntersection
		}
		out.Props[k] = c
	}
	for k, cb := range b.Props {
		if _, ok := a.Props[k]; !ok {
			out.Props[k] = cb
		}
	}
	return out.Clone(), nil
}

// Equal reports whether two objects describe the same thing.
func Equal(a, b *Object) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.MediaType == b.MediaType && maps.EqualFunc(a.Props, b.Props, Choice.Equal)
}

// String renders the object as "type/subtype key=value ..." with sorted keys.
func (o *Object) String() string {
	if o == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(o.ID.String())
	if o.MediaType != "" {
		sb.WriteByte(' ')
		sb.WriteString(o.MediaType)
	}
	for _, k := range slices.Sorted(maps.Keys(o.Props)) {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(o.Props[k].String())
	}
	return sb.String()
}
