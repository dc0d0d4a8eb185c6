// Package nskeyed implements the NSKeyedArchiver object-graph envelope:
// a $version/$archiver/$top/$objects wrapper with UID back-references,
// used to carry the object_data portion of every DTX message.
//
// The leaf serialization of that envelope to and from bytes is an
// opaque value codec; this package never emits real Apple bplist bytes.
// It builds and walks the envelope as a Go value graph and hands that
// graph to a pluggable Codec (see codec.go) for the bytes<->value step,
// the same collaborator treatment pairing-record storage gets.
package nskeyed

import "github.com/gosuda/rxpc/core/codec"

// Array is a reference-typed ordered sequence. Using a pointer-identity
// wrapper (instead of a bare []any) lets the archiver's identity cache
// detect that two fields share the same array, the same way *codec.Map
// already gives dictionaries pointer identity.
type Array struct {
	Items []any
}

// NewArray wraps items as a shareable NSArray-shaped value.
func NewArray(items ...any) *Array {
	return &Array{Items: items}
}

// Data is a reference-typed byte buffer, archived as NSMutableData.
type Data struct {
	Bytes []byte
}

// NewData wraps b as a shareable NSMutableData-shaped value.
func NewData(b []byte) *Data {
	return &Data{Bytes: b}
}

// Map re-exports codec.Map so callers building NSDictionary values don't
// need a second import; the OPACK2 codec and this package share one
// ordered-mapping representation throughout rxpc's value model.
type Map = codec.Map

// NewMap is codec.NewMap, re-exported for the same reason as Map.
func NewMap() *Map {
	return codec.NewMap()
}
