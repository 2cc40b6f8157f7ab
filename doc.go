// Package kestrel is an execution runtime for LLM agents in Go.
//
// It provides modular, interface-driven building blocks: an agent loop with
// token accounting and automatic compaction, a tool registry and dispatcher,
// LLM provider adapters with retry, append-only session storage, run and
// trace logging, and multi-agent composition via teams and state graphs.
//
// # Quick Start
//
// Create an agent using the LLMAgent primitive:
//
//	provider, _ := resolve.Provider(resolve.Config{
//		Model:  "anthropic/claude-sonnet-4-5",
//		APIKey: apiKey,
//	})
//	sessions, _ := file.New("sessions")
//
//	agent := kestrel.NewLLMAgent(
//		"assistant",
//		"general purpose agent",
//		"claude-sonnet-4-5",
//		kestrel.WithRetry(provider),
//		kestrel.WithTools(shell.New(workspace, 30), web.New()),
//		kestrel.WithSessions(sessions, 5),
//	)
//
//	result, err := agent.Execute(ctx, kestrel.AgentTask{Input: "What changed in the repo today?"})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Agent]: composable work unit (LLMAgent, Team, StateGraph, or custom)
//   - [Provider]: LLM backend (chat, tool calling, streaming)
//   - [Tool]: pluggable capability for LLM function calling
//   - [SessionStore]: append-only session and run persistence
//   - [SkillIndex]: markdown skill catalog surfaced to the model
//   - [Tracer]: span hooks for external observability backends
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs) with model
// routing in provider/resolve.
// Storage: store/file, store/memory, store/sqlite, store/postgres.
// Tools: tools/shell, tools/file, tools/web, tools/search.
// Integrations: mcp (Model Context Protocol servers), sandbox (code
// execution), skills (SKILL.md catalogs), observer (OpenTelemetry).
//
// See cmd/kestrel for a complete HTTP service wiring these together.
package kestrel
