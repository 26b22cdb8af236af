// Package handlers wires this deployment's inbox handlers into the
// dispatcher. The toolkit ships none of its own: add yours to Registry.
package handlers

import (
	"github.com/relaykit/relaykit/pkg/inbox"
	"github.com/relaykit/relaykit/pkg/logger"
)

// Registry builds the handler registry consumed by the inbox worker and the
// CLI. Handlers registered here run inside the dispatcher's claim
// transaction.
func Registry(logg *logger.Logger) *inbox.Registry {
	registry := inbox.NewRegistry()

	// registry.Register(orders.NewOrderCreatedHandler(logg))

	_ = logg
	return registry
}
