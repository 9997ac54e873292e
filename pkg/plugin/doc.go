// Package plugin implements the Plugin Host (C12): a registry of
// named plugins, lifecycle-hook dispatch with a per-plugin
// consecutive-error budget that auto-disables a misbehaving plugin,
// and a scoped Context giving each plugin read access to the
// Supervisor plus its own atomically-persisted key/value store.
package plugin
