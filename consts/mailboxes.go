package consts

// MailboxDelimiter is the hierarchy separator advertised by IMAP LIST.
const MailboxDelimiter = '/'

const (
	MailboxInbox   = "INBOX"
	MailboxSent    = "Sent"
	MailboxDrafts  = "Drafts"
	MailboxArchive = "Archive"
	MailboxJunk    = "Junk"
	MailboxTrash   = "Trash"
)

// DefaultMailboxes are created for an account on first delivery.
var DefaultMailboxes = []string{
	MailboxInbox,
	MailboxSent,
	MailboxDrafts,
	MailboxArchive,
	MailboxJunk,
	MailboxTrash,
}

// SpecialUse maps default mailboxes to their RFC 6154 attribute.
var SpecialUse = map[string]string{
	MailboxSent:    `\Sent`,
	MailboxDrafts:  `\Drafts`,
	MailboxArchive: `\Archive`,
	MailboxJunk:    `\Junk`,
	MailboxTrash:   `\Trash`,
}
