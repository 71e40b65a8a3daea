// Package watcher turns filesystem notifications under a vault root into
// coalesced change events.
//
// A Source watches one root recursively and reports RawEvents. A Debouncer
// merges the raw events of each path over a short window and emits at most
// one ChangeEvent per path per window, pairing renames by file identity.
package watcher
