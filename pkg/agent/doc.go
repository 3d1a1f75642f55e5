// Package agent drives the model side of a turn: it dispatches the conversation to a
// model provider, forwards tool calls to the client through the tool-call correlator,
// and feeds the results back until the model produces a final answer.
//
// Invariants:
// - The interruption flag is checked before every model dispatch and every tool-call registration.
// - A model reply that arrives after an interrupt is discarded.
// - Tool results are applied in registration order, never arrival order.
// - At most one call per (session, request, tool) is pending; repeated tools go out in waves.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.Config{Client: client, Memory: store, Tools: correlator})
//	err := loop.Execute(ctx, ec, sink)
package agent
