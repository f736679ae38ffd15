package consts

import "github.com/emersion/go-imap/v2"

// FlagRecent is session-scoped in IMAP4rev1 and has no go-imap/v2 constant.
const FlagRecent = imap.Flag(`\Recent`)

// SystemFlags lists the flags every mailbox accepts without declaration.
var SystemFlags = []imap.Flag{
	imap.FlagSeen,
	imap.FlagAnswered,
	imap.FlagFlagged,
	imap.FlagDeleted,
	imap.FlagDraft,
	FlagRecent,
}
