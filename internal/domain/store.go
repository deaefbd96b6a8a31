package domain

import "context"

// SessionStore is the durable backing for conversation history, keyed by
// session key (channel:chat). A missing key reads as empty history.
type SessionStore interface {
	GetHistory(ctx context.Context, key string) ([]Message, error)
	SaveHistory(ctx context.Context, key string, history []Message) error
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
	Close() error
}

// Enricher augments a user query with retrieval context before the LLM sees
// it. Enrichment is best-effort: callers ignore failures.
type Enricher interface {
	Enrich(ctx context.Context, query string) (string, error)
}
