package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/migadu/trove/consts"
)

// CreateAccount stores an account with an already hashed password.
func (db *Database) CreateAccount(ctx context.Context, address, passwordHash string) (err error) {
	defer observe("create_account", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	_, err = db.Pool.Exec(ctx, `INSERT INTO accounts (address, password_hash) VALUES ($1, $2)`,
		strings.ToLower(address), passwordHash)
	return classify("create account", err, consts.ErrUserNotFound)
}

// LookupCredential returns the bcrypt hash stored for address, or
// consts.ErrUserNotFound.
func (db *Database) LookupCredential(ctx context.Context, address string) (_ string, err error) {
	defer observe("lookup_credential", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var hash string
	err = db.Pool.QueryRow(ctx, `SELECT password_hash FROM accounts WHERE address = $1`,
		strings.ToLower(address)).Scan(&hash)
	if err != nil {
		return "", classify("lookup credential", err, consts.ErrUserNotFound)
	}
	return hash, nil
}

// UserExists reports whether address has an account.
func (db *Database) UserExists(ctx context.Context, address string) (bool, error) {
	_, err := db.LookupCredential(ctx, address)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, consts.ErrUserNotFound):
		return false, nil
	default:
		return false, err
	}
}
