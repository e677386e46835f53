package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound maps sql.ErrNoRows to a nil result instead of an error.
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
