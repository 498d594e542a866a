// Package usage reports per-exchange token and cost accounting.
//
// Records go to an HTTP endpoint (usage.endpoint), the local SQLite store
// (usage.store_local), or both through MultiSink. The Emitter reports in the
// background; a failing sink is logged and never delays message delivery.
package usage
