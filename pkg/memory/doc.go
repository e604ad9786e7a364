// Package memory indexes workspace markdown content and provides hybrid search.
//
// Invariants:
// - A file's chunks and its recorded hash are replaced in one transaction.
// - Chunk ids are stable per (path, start line, end line).
// - Search degrades to keyword-only retrieval when embeddings are unavailable.
// - Sync/search operations emit tracing spans and metrics.
//
// Usage:
//
//	store, _ := memory.OpenStore("/workspace/memory/long-term/index.db", logger)
//	defer store.Close()
//	mgr, _ := memory.NewManager(memory.Config{WorkspacePath: "/workspace", Store: store, Logger: logger})
//	defer mgr.Close()
//	_, _ = mgr.Sync(ctx, false)
//	results, _ := mgr.Search(ctx, "query", mgr.DefaultSearchOptions())
//	_ = results
package memory
