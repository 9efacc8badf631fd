// Package mcp exposes the gate and the trial ledger as MCP tools over stdio.
//
// The agent-facing protocol is four gate tools (discover_patterns,
// get_patterns, validate_completion, session_status) and two trial tools
// (trial_status, trial_start). Every call is made with the credential the
// server was started with: a configured API key or the local device hash.
package mcp
