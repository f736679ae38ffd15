package delivery

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/migadu/trove/consts"
	"github.com/migadu/trove/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSieveEvaluate(t *testing.T) {
	filter, err := LoadSieveFilter(strings.NewReader(`require ["fileinto", "copy"];
if header :is "X-Priority" "1" {
	fileinto :copy "Important";
	stop;
}
if address :is "from" "boss@remote.test" {
	fileinto "Archive";
}
`))
	require.NoError(t, err)

	header := func(raw string) SieveInput {
		return SieveInput{
			EnvelopeFrom: "sender@remote.test",
			EnvelopeTo:   "alice@example.com",
			Header:       helpers.ReadHeader([]byte(raw)),
			Size:         len(raw),
		}
	}

	res, err := filter.Evaluate(context.Background(), header("X-Priority: 1\r\nSubject: x\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{consts.MailboxInbox, "Important"}, res.Mailboxes, ":copy keeps the implicit keep")

	res, err = filter.Evaluate(context.Background(), header("From: boss@remote.test\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Archive"}, res.Mailboxes)

	res, err = filter.Evaluate(context.Background(), header("Subject: nothing special\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{consts.MailboxInbox}, res.Mailboxes)
	assert.False(t, res.Discarded())
}

func TestLoadSieveFilterRejectsBadScript(t *testing.T) {
	_, err := LoadSieveFilter(strings.NewReader(`if true {`))
	assert.Error(t, err)
}

func TestVacationTracker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := newVacationTracker(func() time.Time { return now })

	assert.True(t, tr.allow("alice@example.com", "bob@remote.test", "", 24*time.Hour))
	assert.False(t, tr.allow("alice@example.com", "BOB@remote.test", "", 24*time.Hour), "sender compared case-insensitively")
	assert.True(t, tr.allow("alice@example.com", "bob@remote.test", "other", 24*time.Hour), "handles are independent")
	assert.True(t, tr.allow("carol@example.com", "bob@remote.test", "", 24*time.Hour), "owners are independent")

	now = now.Add(25 * time.Hour)
	assert.True(t, tr.allow("alice@example.com", "bob@remote.test", "", 24*time.Hour))
}

func TestShouldAutoReply(t *testing.T) {
	tests := []struct {
		name   string
		from   string
		header string
		want   bool
	}{
		{"plain", "bob@remote.test", "Subject: hi\r\n\r\n", true},
		{"null sender", "", "Subject: hi\r\n\r\n", false},
		{"mailer daemon", "MAILER-DAEMON@remote.test", "Subject: hi\r\n\r\n", false},
		{"list request", "list-request@remote.test", "Subject: hi\r\n\r\n", false},
		{"auto submitted", "bob@remote.test", "Auto-Submitted: auto-replied\r\n\r\n", false},
		{"auto submitted no", "bob@remote.test", "Auto-Submitted: no\r\n\r\n", true},
		{"bulk", "bob@remote.test", "Precedence: bulk\r\n\r\n", false},
		{"list id", "bob@remote.test", "List-Id: <list.remote.test>\r\n\r\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldAutoReply(tt.from, helpers.ReadHeader([]byte(tt.header))))
		})
	}
}

func TestBuildVacation(t *testing.T) {
	original := helpers.ReadHeader([]byte(testMessage))
	raw, err := buildVacation(&VacationReply{To: "sender@remote.test", Body: "Back next week."},
		"alice@example.com", "mx.example.com", original, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	h := helpers.ReadHeader(raw)
	assert.Equal(t, "alice@example.com", h.Get("From"))
	assert.Equal(t, "sender@remote.test", h.Get("To"))
	assert.Equal(t, "Auto: hello", h.Get("Subject"))
	assert.Equal(t, "auto-replied", h.Get("Auto-Submitted"))
	assert.Equal(t, "<m1@remote.test>", h.Get("In-Reply-To"))
	assert.Contains(t, string(raw), "Back next week.")
}

func TestDKIMSign(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := NewDKIMSignerWithKey("example.com", "mail", priv)

	signed, err := signer.Sign([]byte(testMessage))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(signed), "DKIM-Signature:"))

	record := "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(pub)
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			assert.Equal(t, "mail._domainkey.example.com", domain)
			return []string{record}, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, verifications, 1)
	assert.NoError(t, verifications[0].Err)
	assert.Equal(t, "example.com", verifications[0].Domain)
}

func TestNilDKIMSignerPassesThrough(t *testing.T) {
	var signer *DKIMSigner
	out, err := signer.Sign([]byte(testMessage))
	require.NoError(t, err)
	assert.Equal(t, testMessage, string(out))
}

func TestParseSigningKeyRejectsGarbage(t *testing.T) {
	_, err := parseSigningKey([]byte("not pem"))
	assert.Error(t, err)
}
