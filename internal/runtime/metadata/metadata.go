package metadata

// Metadata holds the headers carried by physical and logical messages.
type Metadata map[string]string

// Clone returns a shallow copy. Cloning a nil map yields an empty, writable map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Get returns the header value or an empty string.
func (m Metadata) Get(key string) string {
	return m[key]
}

// Has reports whether key is present, even with an empty value.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// WithAll returns a copy with entries layered on top.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.Clone()
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// SetDefault stores value under key only when the key is absent and reports
// whether it wrote.
func (m Metadata) SetDefault(key, value string) bool {
	if _, ok := m[key]; ok {
		return false
	}
	m[key] = value
	return true
}

// New builds Metadata from alternating key/value pairs; a trailing odd key is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
