package repository

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendMemory   Backend = "memory"
)

func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "postgres", "postgresql":
		return BackendPostgres, nil
	case "sqlite", "sqlite3":
		return BackendSQLite, nil
	case "memory", "mem", "inmem":
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("unsupported store backend %q", s)
	}
}

// Open builds the repository for backend. openDB is only called for the sql
// backends and must return a migrated connection.
func Open(backend Backend, openDB func() (*gorm.DB, error)) (NDRRepository, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryNDRRepo(), nil
	case BackendPostgres, BackendSQLite:
		if openDB == nil {
			return nil, fmt.Errorf("store backend %s needs a database opener", backend)
		}
		db, err := openDB()
		if err != nil {
			return nil, err
		}
		return NewGormNDRRepo(db), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", backend)
	}
}
