// Package server implements the Relay broadcast gateway: the hub that owns
// live connections, the per-connection websocket pumps, the JSON frame
// protocol, and the HTTP surface for token issuance and moderation.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, routing, and HTTP handlers. Collaborators such as
// the presence registry, invite ledger, session token service, and message
// store are injected through Deps so the gateway holds no package-level state.
package server
