// Package envelope defines the message exchanged between agents and its JSON
// wire form.
//
// A message carries a type (which selects the receiving handler), an opaque
// JSON payload, the sender, an optional target (empty means broadcast), a
// priority, an optional correlation id and free-form metadata. Responses are
// derived with Message.Reply, which keeps the request's correlation id.
package envelope
