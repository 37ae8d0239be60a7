package database

import (
	"database/sql"
)

// Logger interface for query helpers - compatible with utils.LogsManager
type Logger interface {
	Error(msg, category string)
	Info(msg, category string)
	Warn(msg, category string)
}

// QueryRowSingle executes a single-row query with consistent error handling.
// Returns nil if no rows found (sql.ErrNoRows), logs and returns error for
// other failures.
func QueryRowSingle[T any](
	db *sql.DB,
	query string,
	scanFunc func(*sql.Row) (*T, error),
	logger Logger,
	logContext string,
	args ...interface{},
) (*T, error) {
	row := db.QueryRow(query, args...)
	result, err := scanFunc(row)

	if err != nil {
		if err == sql.ErrNoRows {
			// No rows found is not an error condition
			return nil, nil
		}
		logger.Error("Failed to query row", logContext)
		return nil, err
	}

	return result, nil
}

// QueryRows executes a multi-row query with consistent error handling.
// Returns empty slice if no rows found, logs and returns error for failures.
func QueryRows[T any](
	db *sql.DB,
	query string,
	scanFunc func(*sql.Rows) (*T, error),
	logger Logger,
	logContext string,
	args ...interface{},
) ([]*T, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		logger.Error("Failed to query rows", logContext)
		return nil, err
	}
	defer rows.Close()

	var results []*T
	for rows.Next() {
		result, err := scanFunc(rows)
		if err != nil {
			logger.Error("Failed to scan row", logContext)
			return nil, err
		}
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		logger.Error("Row iteration failed", logContext)
		return nil, err
	}

	return results, nil
}

// ExecAffecting runs a statement and reports whether it changed any row.
// Used for guarded state transitions (compare-and-set updates).
func ExecAffecting(db *sql.DB, query string, args ...interface{}) (bool, error) {
	res, err := db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
