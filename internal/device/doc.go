// Package device provides the remote-device model shared across the module:
// device identity, bond and per-profile connection state enumerations, the
// in-memory registry of per-device observable properties, and the pure
// decoders for vendor battery indications.
//
// The registry is the leaf every coordinator depends on. Property instances
// are created lazily and race-free on first reference; all mutation runs on
// the registry's own actor and externally visible changes are published to
// the notification sink in commit order.
package device
