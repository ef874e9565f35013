// Package dialect names the SQL driver identifiers the mirror switches on.
// crewlyd's mirror writes only parameterized INSERT/UPDATE/DELETE statements
// against a fixed, hand-written schema, so there is no query-building layer
// here — just enough to pick a driver name and a placeholder style.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)
