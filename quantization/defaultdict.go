package quantization

// DefaultDict is a mapping with a per-key fallback factory. It backs
// bit-width-indexed settings where most bit widths share a default but
// specific ones are overridden.
//
// Callers must construct a fresh DefaultDict per configuration; sharing one
// instance as a default value across configs is exactly the bug class this
// type exists to avoid.
type DefaultDict[K comparable, V any] struct {
	known    map[K]V
	fallback func() V
}

// NewDefaultDict creates a DefaultDict from known overrides and a fallback
// factory. known may be nil.
func NewDefaultDict[K comparable, V any](known map[K]V, fallback func() V) *DefaultDict[K, V] {
	m := make(map[K]V, len(known))
	for k, v := range known {
		m[k] = v
	}
	return &DefaultDict[K, V]{known: m, fallback: fallback}
}

// Get returns the override for key, or a freshly produced fallback value.
func (d *DefaultDict[K, V]) Get(key K) V {
	if v, ok := d.known[key]; ok {
		return v
	}
	return d.fallback()
}

// Set records an override for key.
func (d *DefaultDict[K, V]) Set(key K, v V) {
	d.known[key] = v
}

// Known returns a copy of the explicit overrides.
func (d *DefaultDict[K, V]) Known() map[K]V {
	out := make(map[K]V, len(d.known))
	for k, v := range d.known {
		out[k] = v
	}
	return out
}
