package helpers

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/k3a/html2text"
	"lukechampine.com/blake3"
)

// HashContent returns the hex BLAKE3-256 digest used to address message
// content in blob storage.
func HashContent(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SplitMessage splits raw RFC 5322 content into its header block (including
// the terminating blank line) and body. A message without a blank line is
// all header.
func SplitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

// ReadHeader parses the header block of raw content. Malformed headers
// yield whatever fields could be read before the error.
func ReadHeader(raw []byte) textproto.Header {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil && h.Len() == 0 {
		return textproto.Header{}
	}
	return h
}

// ExtractText returns the decoded textual content of a message: every
// text/plain part verbatim and text/html parts converted to plain text.
// Attachments are skipped. Undecodable content falls back to the raw body.
func ExtractText(raw []byte) string {
	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil {
		_, body := SplitMessage(raw)
		return string(body)
	}
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		_, body := SplitMessage(raw)
		return string(body)
	}

	var sb strings.Builder
	collectText(entity, &sb)
	return sb.String()
}

func collectText(entity *message.Entity, sb *strings.Builder) {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				if err != io.EOF && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
					return
				}
				if part == nil {
					return
				}
			}
			collectText(part, sb)
		}
	}

	if disp, _, _ := entity.Header.ContentDisposition(); disp == "attachment" {
		return
	}
	mediaType, _, _ := entity.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if !strings.HasPrefix(mediaType, "text/") {
		return
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}
	if sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	if mediaType == "text/html" {
		sb.WriteString(html2text.HTML2Text(string(content)))
		return
	}
	sb.Write(content)
}
