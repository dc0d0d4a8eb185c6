package nskeyed

import (
	"github.com/gosuda/rxpc/core/codec"
	"github.com/gosuda/rxpc/rxpcerr"
)

// uidKey is the dictionary key Apple's own XML-plist rendering of
// NSKeyedArchiver uses to spell a UID back-reference ("<dict><key>CF$UID
// </key><integer>N</integer></dict>"). Binary plist has a dedicated UID
// primitive type that this module's opaque bridge doesn't need to
// reproduce; reusing the XML convention as this package's own
// UID marker keeps the envelope shape recognizable to anyone who has
// read a real archiver's plist, even though the bytes underneath come
// from OPACK2 rather than bplist00.
const uidKey = "CF$UID"

func uidRef(index int) *codec.Map {
	return codec.NewMap().Set(uidKey, int64(index))
}

func asUID(v any) (int, bool) {
	m, ok := v.(*codec.Map)
	if !ok || m.Len() != 1 {
		return 0, false
	}
	raw, ok := m.Get(uidKey)
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

// nullSentinel is the string object_data uses for Obj-C nil, matching
// the literal "$null" Apple's own archiver emits as $objects[0] and
// wherever a nil reference appears. Server-side $null sentinels decode
// to nil on the client.
const nullSentinel = "$null"

// classCache maps a class name to the index of its already-archived
// $class description object, so repeated NSArray/NSDictionary/
// NSMutableData instances share one class-description entry instead of
// duplicating it per occurrence.
type archiver struct {
	objects    []any
	identity   map[any]int
	classCache map[string]int
}

// Archive builds the NSKeyedArchiver envelope ($version/$archiver/$top/
// $objects) for v. v's container types are *Array, *Data and *codec.Map
// (NSDictionary); any other Go value (nil, bool, int64/uint64, float64,
// string) is a primitive, inlined directly into $objects.
//
// Cycles and shared references are preserved by object identity (Go
// pointer equality on *Array/*Data/*codec.Map): the identity cache is
// keyed by address, not value.
func Archive(v any) *codec.Map {
	a := &archiver{
		objects:    []any{nullSentinel},
		identity:   make(map[any]int),
		classCache: make(map[string]int),
	}
	rootIdx := a.archiveValue(v)
	top := codec.NewMap().Set("root", uidRef(rootIdx))
	return codec.NewMap().
		Set("$version", int64(100000)).
		Set("$archiver", "NSKeyedArchiver").
		Set("$top", top).
		Set("$objects", a.objects)
}

func (a *archiver) archiveValue(v any) int {
	if v == nil {
		return 0
	}
	switch t := v.(type) {
	case *Array:
		if idx, ok := a.identity[t]; ok {
			return idx
		}
		idx := a.reserve(t)
		refs := make([]any, len(t.Items))
		for i, item := range t.Items {
			refs[i] = uidRef(a.archiveValue(item))
		}
		a.objects[idx] = codec.NewMap().
			Set("NS.objects", refs).
			Set("$class", uidRef(a.classRef("NSArray", "NSArray", "NSObject")))
		return idx
	case *codec.Map:
		if idx, ok := a.identity[t]; ok {
			return idx
		}
		idx := a.reserve(t)
		keys := make([]any, t.Len())
		vals := make([]any, t.Len())
		for i, k := range t.Keys() {
			val, _ := t.Get(k)
			keys[i] = uidRef(a.archiveValue(k))
			vals[i] = uidRef(a.archiveValue(val))
		}
		a.objects[idx] = codec.NewMap().
			Set("NS.keys", keys).
			Set("NS.objects", vals).
			Set("$class", uidRef(a.classRef("NSDictionary", "NSDictionary", "NSObject")))
		return idx
	case *Data:
		if idx, ok := a.identity[t]; ok {
			return idx
		}
		idx := a.reserve(t)
		a.objects[idx] = codec.NewMap().
			Set("NS.data", append([]byte{}, t.Bytes...)).
			Set("$class", uidRef(a.classRef("NSMutableData", "NSMutableData", "NSData", "NSObject")))
		return idx
	default:
		// Primitive: bool, int64, uint64, float64, string all inline
		// directly into $objects with no wrapper object.
		a.objects = append(a.objects, t)
		return len(a.objects) - 1
	}
}

// reserve appends a placeholder slot and registers it in the identity
// cache before recursing into t's children, so a self-referential graph
// resolves to the slot's own index instead of recursing forever.
func (a *archiver) reserve(t any) int {
	idx := len(a.objects)
	a.objects = append(a.objects, nil)
	a.identity[t] = idx
	return idx
}

func (a *archiver) classRef(cacheKey string, classHierarchy ...string) int {
	if idx, ok := a.classCache[cacheKey]; ok {
		return idx
	}
	idx := len(a.objects)
	a.objects = append(a.objects, nil)
	a.classCache[cacheKey] = idx
	classes := make([]any, len(classHierarchy))
	for i, c := range classHierarchy {
		classes[i] = c
	}
	a.objects[idx] = codec.NewMap().
		Set("$classname", classHierarchy[0]).
		Set("$classes", classes)
	return idx
}

// Unarchive walks an envelope produced by Archive (or received over the
// wire and decoded through a Codec) and returns the plain Go value graph
// it represents: nil, bool, int64/uint64, float64, string, []byte (for
// NS.data objects), []any or *codec.Map, mirroring Archive's container conventions on the way back
// in. $null sentinels decode to nil.
func Unarchive(envelope *codec.Map) (any, error) {
	objectsRaw, ok := envelope.Get("$objects")
	if !ok {
		return nil, errMissing("$objects")
	}
	objects, ok := objectsRaw.([]any)
	if !ok {
		return nil, errShape("$objects", "sequence")
	}
	topRaw, ok := envelope.Get("$top")
	if !ok {
		return nil, errMissing("$top")
	}
	top, ok := topRaw.(*codec.Map)
	if !ok {
		return nil, errShape("$top", "mapping")
	}
	rootRef, ok := top.Get("root")
	if !ok {
		return nil, errMissing("$top.root")
	}
	rootIdx, ok := asUID(rootRef)
	if !ok {
		return nil, errShape("$top.root", "CF$UID reference")
	}
	u := &unarchiver{objects: objects, resolved: make(map[int]any)}
	return u.resolve(rootIdx)
}

type unarchiver struct {
	objects  []any
	resolved map[int]any
}

func (u *unarchiver) resolve(idx int) (any, error) {
	if v, ok := u.resolved[idx]; ok {
		return v, nil
	}
	if idx < 0 || idx >= len(u.objects) {
		return nil, errShape("$objects", "index in range")
	}
	raw := u.objects[idx]
	if s, ok := raw.(string); ok && s == nullSentinel {
		return nil, nil
	}
	m, ok := raw.(*codec.Map)
	if !ok {
		// Primitive, inlined directly.
		return raw, nil
	}

	if keysRaw, hasKeys := m.Get("NS.keys"); hasKeys {
		objsRaw, _ := m.Get("NS.objects")
		keys, _ := keysRaw.([]any)
		vals, _ := objsRaw.([]any)
		out := codec.NewMap()
		u.resolved[idx] = out // register before recursing: breaks cycles
		for i := range keys {
			kIdx, ok := asUID(keys[i])
			if !ok {
				continue
			}
			k, err := u.resolve(kIdx)
			if err != nil {
				return nil, err
			}
			ks, _ := k.(string)
			var v any
			if i < len(vals) {
				if vIdx, ok := asUID(vals[i]); ok {
					v, err = u.resolve(vIdx)
					if err != nil {
						return nil, err
					}
				}
			}
			out.Set(ks, v)
		}
		return out, nil
	}

	if dataRaw, hasData := m.Get("NS.data"); hasData {
		b, _ := dataRaw.([]byte)
		return b, nil
	}

	if objsRaw, hasObjs := m.Get("NS.objects"); hasObjs {
		vals, _ := objsRaw.([]any)
		out := make([]any, len(vals))
		u.resolved[idx] = out
		for i, ref := range vals {
			vIdx, ok := asUID(ref)
			if !ok {
				continue
			}
			v, err := u.resolve(vIdx)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	// Plain dictionary with no NS.* shape (e.g. $top itself, or a bare
	// class-description object never meant to be unarchived directly):
	// return it unresolved rather than guessing.
	return m, nil
}

func errMissing(field string) error {
	return rxpcerr.New(rxpcerr.Protocol, "nskeyed: missing "+field)
}

func errShape(field, want string) error {
	return rxpcerr.New(rxpcerr.Protocol, "nskeyed: "+field+" is not a "+want)
}
