package database

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/decloud-network/decloud-node/internal/utils"
	_ "modernc.org/sqlite"
)

// SQLiteManager handles all database operations
type SQLiteManager struct {
	dir    string
	cm     *utils.ConfigManager
	db     *sql.DB
	logger *utils.LogsManager

	// Specialized managers
	Leases *LeasesDB
	Hosts  *HostsDB
}

// NewSQLiteManager creates the database connection and initializes the
// lease and host managers
func NewSQLiteManager(cm *utils.ConfigManager, logger *utils.LogsManager) (*SQLiteManager, error) {
	paths := utils.GetAppPaths("")
	sqlm := &SQLiteManager{
		dir:    paths.DataDir,
		cm:     cm,
		logger: logger,
	}

	db, err := sqlm.createConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %v", err)
	}
	sqlm.db = db

	if err := sqlm.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize database managers: %v", err)
	}

	return sqlm, nil
}

// NewSQLiteManagerWithDB wraps an existing connection, used by tests with
// an in-memory database
func NewSQLiteManagerWithDB(db *sql.DB, logger *utils.LogsManager) (*SQLiteManager, error) {
	sqlm := &SQLiteManager{
		db:     db,
		logger: logger,
	}
	if err := sqlm.initializeManagers(); err != nil {
		return nil, err
	}
	return sqlm, nil
}

func (sqlm *SQLiteManager) initializeManagers() error {
	leases, err := NewLeasesDB(sqlm.db, sqlm.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize leases manager: %v", err)
	}
	sqlm.Leases = leases

	hosts, err := NewHostsDB(sqlm.db, sqlm.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize hosts manager: %v", err)
	}
	sqlm.Hosts = hosts

	return nil
}

// createConnection creates and configures the database connection
func (sqlm *SQLiteManager) createConnection() (*sql.DB, error) {
	// Make sure we have os specific path separator since we are adding this path to host's path
	dbFileName := sqlm.cm.GetConfigWithDefault("database_file", "./decloud-node.db")
	switch runtime.GOOS {
	case "linux", "darwin":
		dbFileName = filepath.ToSlash(dbFileName)
	case "windows":
		dbFileName = filepath.FromSlash(dbFileName)
	default:
		return nil, fmt.Errorf("unsupported OS type `%s`", runtime.GOOS)
	}

	path := filepath.Join(sqlm.dir, dbFileName)

	// Init db connection with settings for concurrent access
	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1&_synchronous=NORMAL", path))
	if err != nil {
		sqlm.logger.Error(fmt.Sprintf("Can not create database connection. (%s)", err.Error()), "database")
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		sqlm.logger.Error(fmt.Sprintf("Failed to enable foreign keys: %s", err.Error()), "database")
		return nil, err
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to enable WAL mode: %s", err.Error()), "database")
	}

	return db, nil
}

// DB returns the underlying connection
func (sqlm *SQLiteManager) DB() *sql.DB {
	return sqlm.db
}

// Close closes the database connection
func (sqlm *SQLiteManager) Close() error {
	if sqlm.db != nil {
		return sqlm.db.Close()
	}
	return nil
}
