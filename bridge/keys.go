package bridge

import "strings"

// KeyBuilder builds keys as namespace:context:entity[:part...]. The static
// segments are lower-cased; identifier parts keep their case and are escaped
// so that ':' inside a tenant ID or metric key never forms a segment.
type KeyBuilder struct {
	namespace string
	context   string
}

var partEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build appends every part as its own segment, empty ones included, so the
// segment count is fixed by the caller.
func (kb *KeyBuilder) Build(entity string, parts ...string) string {
	segments := make([]string, 0, 3+len(parts))
	segments = append(segments, kb.namespace, kb.context, strings.ToLower(entity))
	for _, p := range parts {
		segments = append(segments, partEscaper.Replace(p))
	}
	return strings.Join(segments, ":")
}

// Snapshot is the key of a cached metric value for one period bucket.
func (kb *KeyBuilder) Snapshot(tenantID, metricKey, bucket string) string {
	return kb.Build("snapshot", tenantID, metricKey, bucket)
}

// RateLimit is the key of a fixed-window admission counter.
func (kb *KeyBuilder) RateLimit(scope, id string) string {
	return kb.Build("ratelimit", scope, id)
}

func (kb *KeyBuilder) Namespace() string { return kb.namespace }

func (kb *KeyBuilder) WithContext(context string) *KeyBuilder {
	return NewKeyBuilder(kb.namespace, context)
}
