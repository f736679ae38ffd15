package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgx/v5"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/store"
)

func (db *Database) LoadMailboxes(ctx context.Context, owner string) (_ []store.MailboxRecord, err error) {
	defer observe("load_mailboxes", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT name, uid_validity, uid_next, subscribed
		FROM mailboxes
		WHERE owner = $1
		ORDER BY name`, owner)
	if err != nil {
		return nil, classify("load mailboxes", err, consts.ErrMailboxNotFound)
	}
	defer rows.Close()

	var out []store.MailboxRecord
	for rows.Next() {
		var rec store.MailboxRecord
		var uidValidity, uidNext int64
		if err := rows.Scan(&rec.Name, &uidValidity, &uidNext, &rec.Subscribed); err != nil {
			return nil, classify("scan mailbox", err, consts.ErrMailboxNotFound)
		}
		rec.Owner = owner
		rec.UIDValidity = uint32(uidValidity)
		rec.UIDNext = imap.UID(uidNext)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load mailboxes", err, consts.ErrMailboxNotFound)
	}
	return out, nil
}

func (db *Database) CreateMailbox(ctx context.Context, rec store.MailboxRecord) (err error) {
	defer observe("create_mailbox", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO mailboxes (owner, name, uid_validity, uid_next, subscribed)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.Owner, rec.Name, int64(rec.UIDValidity), int64(rec.UIDNext), rec.Subscribed)
	if err != nil {
		err = classify("create mailbox", err, consts.ErrMailboxNotFound)
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			return consts.ErrMailboxAlreadyExists
		}
		return err
	}
	return nil
}

func (db *Database) DeleteMailbox(ctx context.Context, owner, name string) (err error) {
	defer observe("delete_mailbox", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	// Messages go with the mailbox through ON DELETE CASCADE.
	tag, err := db.Pool.Exec(ctx, `DELETE FROM mailboxes WHERE owner = $1 AND name = $2`, owner, name)
	if err != nil {
		return classify("delete mailbox", err, consts.ErrMailboxNotFound)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMailboxNotFound
	}
	return nil
}

func (db *Database) RenameMailbox(ctx context.Context, owner, from, to string, uidValidity uint32) (err error) {
	defer observe("rename_mailbox", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify("begin rename", err, consts.ErrMailboxNotFound)
	}
	defer tx.Rollback(ctx)

	var srcID, uidNext int64
	err = tx.QueryRow(ctx, `
		SELECT id, uid_next FROM mailboxes WHERE owner = $1 AND name = $2 FOR UPDATE`,
		owner, from).Scan(&srcID, &uidNext)
	if err != nil {
		return classify("lock mailbox", err, consts.ErrMailboxNotFound)
	}

	if from == consts.MailboxInbox {
		var destID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO mailboxes (owner, name, uid_validity, uid_next)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			owner, to, int64(uidValidity), uidNext).Scan(&destID)
		if err != nil {
			return renameError(classify("create rename target", err, consts.ErrMailboxNotFound))
		}
		if _, err := tx.Exec(ctx, `UPDATE messages SET mailbox_id = $1 WHERE mailbox_id = $2`, destID, srcID); err != nil {
			return classify("move messages", err, consts.ErrMailboxNotFound)
		}
	} else {
		// left() avoids LIKE so that '_' in names is not a wildcard.
		_, err = tx.Exec(ctx, `
			UPDATE mailboxes
			SET name = $3 || substr(name, length($2) + 1), updated_at = now()
			WHERE owner = $1 AND (name = $2 OR left(name, length($2) + 1) = $2 || '/')`,
			owner, from, to)
		if err != nil {
			return renameError(classify("rename mailbox", err, consts.ErrMailboxNotFound))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", consts.ErrDBCommitTransactionFailed, classify("commit rename", err, consts.ErrMailboxNotFound))
	}
	return nil
}

func renameError(err error) error {
	if errors.Is(err, consts.ErrDBUniqueViolation) {
		return consts.ErrMailboxAlreadyExists
	}
	return err
}

func (db *Database) SetSubscribed(ctx context.Context, owner, name string, subscribed bool) (err error) {
	defer observe("set_subscribed", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE mailboxes SET subscribed = $3, updated_at = now()
		WHERE owner = $1 AND name = $2`, owner, name, subscribed)
	if err != nil {
		return classify("set subscribed", err, consts.ErrMailboxNotFound)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMailboxNotFound
	}
	return nil
}
