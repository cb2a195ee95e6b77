// Package database provides the PostgreSQL connection pool used by the
// chat journal.
package database
