package smtp

import (
	"errors"
	"strconv"
	"strings"
)

var (
	errSyntax       = errors.New("syntax error")
	errUnknownParam = errors.New("unsupported parameter")
)

// mailParams are the ESMTP parameters accepted on MAIL FROM.
type mailParams struct {
	size int64 // SIZE=, 0 when absent
	body string // BODY=, uppercased
}

// parsePath splits "FROM:<addr> PARAMS" (or "TO:") into the address and the
// raw parameter list. A source route ("<@a,@b:user@host>") is dropped.
func parsePath(arg, keyword string) (string, []string, error) {
	if len(arg) < len(keyword) || !strings.EqualFold(arg[:len(keyword)], keyword) {
		return "", nil, errSyntax
	}
	rest := strings.TrimLeft(arg[len(keyword):], " ")
	if !strings.HasPrefix(rest, "<") {
		return "", nil, errSyntax
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", nil, errSyntax
	}
	addr := rest[1:end]
	if strings.HasPrefix(addr, "@") {
		colon := strings.IndexByte(addr, ':')
		if colon < 0 {
			return "", nil, errSyntax
		}
		addr = addr[colon+1:]
	}
	if strings.ContainsAny(addr, " \t<>") {
		return "", nil, errSyntax
	}
	return addr, strings.Fields(rest[end+1:]), nil
}

func parseMailParams(params []string) (mailParams, error) {
	var mp mailParams
	for _, p := range params {
		key, value, _ := strings.Cut(p, "=")
		switch strings.ToUpper(key) {
		case "SIZE":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return mp, errSyntax
			}
			mp.size = n
		case "BODY":
			value = strings.ToUpper(value)
			if value != "7BIT" && value != "8BITMIME" {
				return mp, errSyntax
			}
			mp.body = value
		default:
			return mp, errUnknownParam
		}
	}
	return mp, nil
}
