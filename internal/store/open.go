package store

import (
	"fmt"

	"github.com/resident-x/go-eagle/internal/domain"
)

// Open returns the variable store for driver ("sqlite" or "memory").
func Open(driver, path string) (domain.VariableStore, error) {
	switch driver {
	case "", "sqlite":
		if path == "" {
			path = "eagle.db"
		}
		return OpenSQLite(path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
