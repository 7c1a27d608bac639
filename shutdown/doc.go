// Package shutdown coordinates graceful teardown of an agent's
// components.
//
// Components register close functions in phases; lower phases run
// first, and handlers within a phase run concurrently. An agent
// typically drains its consensus nodes and voting system before the
// event bus, and releases the message bus connection last, so nothing
// publishes into a closed transport.
package shutdown
