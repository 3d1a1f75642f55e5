// Package dispatch decides how a turn runs. Content that exactly names a built-in
// command (/help, /clear, /compact) is handled in place; anything else, including
// unknown slash-prefixed text, goes to the agent executor selected by the request's
// agent code.
package dispatch
