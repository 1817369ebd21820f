// Package broadcast implements the publish/subscribe hub that connects the
// background page with short-lived pages (popup, options, content scripts).
//
// Per event name it keeps:
//   - at most one responding action, whose result answers a broadcast
//   - an ordered list of listening actions, whose results are discarded
//
// Listeners whose execution context has been torn down are detected through a
// pluggable liveness predicate and dropped during broadcasts (and by Prune).
package broadcast
