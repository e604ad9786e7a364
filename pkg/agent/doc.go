// Package agent runs the silent consolidation turn that turns recent
// conversation into durable memory notes.
//
// Invariants:
// - The runner never writes outside the workspace.
// - Tool calls route through toolexecutor only.
// - A NO_REPLY answer leaves the workspace untouched.
//
// Usage:
//
//	provider, _ := agent.NewProvider(agent.ProviderConfig{Provider: "anthropic", APIKey: key})
//	runner, _ := agent.NewRunner(agent.Config{Provider: provider, Model: "claude-3-5-haiku-latest", Workspace: ws, Transcripts: store, Tools: tools})
//	ok := mgr.ExecuteFlush(ctx, runner.Executor("chat-1"), tokens, userID)
//	_ = ok
package agent
