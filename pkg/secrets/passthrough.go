package secrets

import "context"

// PassthroughName is the type name of the backend that stores secrets as
// plaintext inside the records themselves.
const PassthroughName = "noop"

// Passthrough is the backend used when no secrets manager is configured.
// Values are persisted as-is and revealed as-is.
type Passthrough struct{}

// NewPassthrough returns the passthrough backend.
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (Passthrough) Name() string { return PassthroughName }

func (Passthrough) Marker() string { return "" }

func (Passthrough) Protect(_ context.Context, _, value string) (string, error) {
	return value, nil
}

func (Passthrough) Reveal(_ context.Context, _, value string) (string, error) {
	return value, nil
}

func (Passthrough) Validate(context.Context) error { return nil }

// NewPassthroughCodec returns the identity codec for cluster.
func NewPassthroughCodec(cluster string) *Manager {
	return NewManager(NewPassthrough(), cluster)
}
