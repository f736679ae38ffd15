package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/trove/consts"
)

// classify maps driver errors onto the consts sentinels. notFound is the
// sentinel to use for pgx.ErrNoRows.
func classify(op string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, notFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", op, consts.ErrDBUniqueViolation)
		case "40001", "40P01", "55P03", "57014": // serialization, deadlock, lock timeout, cancelled
			return fmt.Errorf("%s: %w: %s", op, consts.ErrStorageUnavailable, pgErr.Message)
		}
		if strings.HasPrefix(pgErr.Code, "23") { // other integrity constraints
			return fmt.Errorf("%s: %w: %s", op, consts.ErrInternalError, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// Anything that is not a server-side error is a connectivity problem.
	return fmt.Errorf("%s: %w: %w", op, consts.ErrStorageUnavailable, err)
}
