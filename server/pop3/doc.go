// Package pop3 implements a POP3 (Post Office Protocol version 3) server
// over the INBOX of each account.
//
// It provides:
//   - RFC 1939 POP3 core protocol
//   - RFC 2449 CAPA and response codes ([IN-USE], [AUTH], [SYS/TEMP])
//   - RFC 5034 SASL authentication (PLAIN, LOGIN, OAUTHBEARER)
//   - RFC 2595 STLS
//   - UIDL and TOP
//
// # Server States
//
//	AUTHORIZATION → TRANSACTION → UPDATE
//
// Commands are dispatched through a table keyed by state and verb. A
// command that exists but is not valid in the current state counts as a
// client error, like an unknown command; after too many errors the
// connection is closed.
//
// # Message Numbers
//
// On entering TRANSACTION the session takes a snapshot of the INBOX. Message
// numbers refer to that snapshot for the rest of the session: messages
// delivered later are not visible, and DELE hides a message without
// renumbering the others.
//
// # Message Deletion
//
// Messages marked with DELE are only removed when the session ends with
// QUIT, in one store transaction. If the connection drops, deletions are
// discarded. Only one session per account may hold the maildrop.
package pop3
