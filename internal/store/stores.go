package store

// Stores is the top-level container for all storage backends.
type Stores struct {
	Conversations ConversationStore
	Messages      MessageStore

	// Close releases the underlying connection pool / client.
	Close func() error
}

// StoreConfig selects and configures the durable store backend.
type StoreConfig struct {
	Backend     string // "sqlite" (default), "postgres", "dynamodb"
	PostgresDSN string
	SQLitePath  string
	DynamoTable string
	AWSRegion   string
}
