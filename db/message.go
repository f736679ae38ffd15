package db

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgx/v5"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/store"
)

// System flags are stored as a bit set, keywords as a JSON array.
const (
	FlagSeen     = 1 << iota // 1
	FlagAnswered             // 2
	FlagFlagged              // 4
	FlagDeleted              // 8
	FlagDraft                // 16
)

func FlagToBitwise(flag imap.Flag) int {
	switch strings.ToLower(string(flag)) {
	case `\seen`:
		return FlagSeen
	case `\answered`:
		return FlagAnswered
	case `\flagged`:
		return FlagFlagged
	case `\deleted`:
		return FlagDeleted
	case `\draft`:
		return FlagDraft
	}
	return 0
}

// EncodeFlags splits flags into the bit set and the sorted keyword list.
func EncodeFlags(flags []imap.Flag) (int, []string) {
	bits := 0
	keywords := []string{}
	for _, f := range flags {
		if strings.HasPrefix(string(f), `\`) {
			bits |= FlagToBitwise(f)
			continue
		}
		keywords = append(keywords, string(f))
	}
	slices.Sort(keywords)
	return bits, slices.Compact(keywords)
}

// DecodeFlags is the inverse of EncodeFlags.
func DecodeFlags(bits int, keywords []string) []imap.Flag {
	var flags []imap.Flag
	for _, f := range []imap.Flag{imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged, imap.FlagDeleted, imap.FlagDraft} {
		if bits&FlagToBitwise(f) != 0 {
			flags = append(flags, f)
		}
	}
	for _, k := range keywords {
		flags = append(flags, imap.Flag(k))
	}
	return flags
}

func (db *Database) LoadMessages(ctx context.Context, owner, mailbox string) (_ []store.MessageRecord, err error) {
	defer observe("load_messages", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT m.uid, m.content_hash, m.size, m.internal_date, m.flags, m.custom_flags
		FROM messages m
		JOIN mailboxes mb ON mb.id = m.mailbox_id
		WHERE mb.owner = $1 AND mb.name = $2
		ORDER BY m.uid`, owner, mailbox)
	if err != nil {
		return nil, classify("load messages", err, consts.ErrMailboxNotFound)
	}
	defer rows.Close()

	var out []store.MessageRecord
	for rows.Next() {
		var rec store.MessageRecord
		var uid int64
		var bits int
		var customJSON []byte
		if err := rows.Scan(&uid, &rec.Hash, &rec.Size, &rec.InternalDate, &bits, &customJSON); err != nil {
			return nil, classify("scan message", err, consts.ErrMessageNotFound)
		}
		var keywords []string
		if err := json.Unmarshal(customJSON, &keywords); err != nil {
			return nil, fmt.Errorf("decode custom flags of uid %d: %w", uid, err)
		}
		rec.UID = imap.UID(uid)
		rec.Flags = DecodeFlags(bits, keywords)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load messages", err, consts.ErrMailboxNotFound)
	}
	return out, nil
}

// InsertMessage adds the message row and advances uid_next in one
// transaction, holding the mailbox row lock so that concurrent writers from
// other processes cannot interleave.
func (db *Database) InsertMessage(ctx context.Context, owner, mailbox string, rec store.MessageRecord, uidNext imap.UID) (err error) {
	defer observe("insert_message", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	bits, keywords := EncodeFlags(rec.Flags)
	customJSON, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("encode custom flags: %w", err)
	}

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: %w", consts.ErrDBBeginTransactionFailed, classify("begin insert", err, consts.ErrMailboxNotFound))
	}
	defer tx.Rollback(ctx)

	var mailboxID, currentNext int64
	err = tx.QueryRow(ctx, `
		SELECT id, uid_next FROM mailboxes WHERE owner = $1 AND name = $2 FOR UPDATE`,
		owner, mailbox).Scan(&mailboxID, &currentNext)
	if err != nil {
		return classify("lock mailbox", err, consts.ErrMailboxNotFound)
	}
	if int64(rec.UID) < currentNext {
		return fmt.Errorf("uid %d below uid_next %d: %w", rec.UID, currentNext, consts.ErrDBUniqueViolation)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (mailbox_id, uid, content_hash, size, internal_date, flags, custom_flags)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		mailboxID, int64(rec.UID), rec.Hash, rec.Size, rec.InternalDate, bits, customJSON)
	if err != nil {
		return classify("insert message", err, consts.ErrMailboxNotFound)
	}
	if _, err := tx.Exec(ctx, `UPDATE mailboxes SET uid_next = $2, updated_at = now() WHERE id = $1`, mailboxID, int64(uidNext)); err != nil {
		return classify("advance uid_next", err, consts.ErrMailboxNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", consts.ErrDBCommitTransactionFailed, classify("commit insert", err, consts.ErrMailboxNotFound))
	}
	return nil
}

func (db *Database) UpdateFlags(ctx context.Context, owner, mailbox string, uid imap.UID, flags []imap.Flag) (err error) {
	defer observe("update_flags", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	bits, keywords := EncodeFlags(flags)
	customJSON, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("encode custom flags: %w", err)
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE messages m SET flags = $4, custom_flags = $5
		FROM mailboxes mb
		WHERE mb.id = m.mailbox_id AND mb.owner = $1 AND mb.name = $2 AND m.uid = $3`,
		owner, mailbox, int64(uid), bits, customJSON)
	if err != nil {
		return classify("update flags", err, consts.ErrMessageNotFound)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// DeleteMessages removes all uids in a single statement, so either every
// row goes or none does.
func (db *Database) DeleteMessages(ctx context.Context, owner, mailbox string, uids []imap.UID) (err error) {
	defer observe("delete_messages", time.Now(), &err)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	ids := make([]int64, len(uids))
	for i, uid := range uids {
		ids[i] = int64(uid)
	}
	_, err = db.Pool.Exec(ctx, `
		DELETE FROM messages m
		USING mailboxes mb
		WHERE mb.id = m.mailbox_id AND mb.owner = $1 AND mb.name = $2 AND m.uid = ANY($3)`,
		owner, mailbox, ids)
	if err != nil {
		return classify("delete messages", err, consts.ErrMessageNotFound)
	}
	return nil
}

var _ store.Backend = (*Database)(nil)
