// Package session persists conversation history in SQLite.
//
// Invariants:
// - Messages are append-only and seq is dense and increasing per session.
// - LoadRecent windows by visible user turns and never starts inside a tool exchange.
// - The store uses its own migrations table, so it can share a file with the memory store.
//
// Usage:
//
//	store, _ := session.OpenStore("/tmp/mnemo/index.db", log.Logger)
//	_ = store.Append(ctx, "chat-1", []session.Message{{Role: session.RoleUser, Content: session.TextContent("hello")}}, "cli")
//	recent, _ := store.LoadRecent(ctx, "chat-1", 30)
//	page, _ := store.PaginateTurns(ctx, "chat-1", 1, 20)
//	_, _ = recent, page
package session
