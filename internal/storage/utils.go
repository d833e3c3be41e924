package storage

// InitStore connects to Postgres and returns the archive store.
func InitStore(connStr string) (*PostgresStore, error) {
	return NewPostgresStore(connStr)
}
