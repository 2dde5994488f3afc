package triggerregistry

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// Dialect distinguishes the placeholder syntax of the two SQL backends a
// poller can run against. Postgres is the primary Store and trigger
// backend; MySQL is the alternate trigger-poller backend.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectMySQL
)

func (d Dialect) placeholder(n int) string {
	if d == DialectMySQL {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// OpenMySQL opens a *sql.DB against a MySQL DSN for the alternate
// triggerregistry poller backend.
func OpenMySQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("triggerregistry: open mysql: %w", err)
	}
	return db, nil
}
