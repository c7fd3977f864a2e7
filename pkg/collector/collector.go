package collector

import (
	"context"

	"github.com/wioota/devloop/pkg/event"
)

// Publisher receives events produced by collectors. The ingress queue
// implements it.
type Publisher interface {
	Publish(ev *event.Event) error
}

// Collector translates an OS-level signal source into events. All
// collectors share the contract: Start is idempotent, Stop is clean on a
// cancellation signal, and only immutable event values are published.
type Collector interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}
