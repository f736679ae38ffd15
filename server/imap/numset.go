package imap

import (
	"errors"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
)

var errBadNumSet = errors.New("Invalid sequence set")

type numRange struct {
	start, stop uint32
}

// numSet is a parsed sequence or UID set with '*' already resolved.
type numSet []numRange

func (s numSet) contains(n uint32) bool {
	for _, r := range s {
		if n >= r.start && n <= r.stop {
			return true
		}
	}
	return false
}

// parseNumSet parses "1:3,5,7:*". max is the value of '*'; a set that
// only refers to '*' in an empty mailbox is empty.
func parseNumSet(str string, max uint32) (numSet, error) {
	if str == "" {
		return nil, errBadNumSet
	}
	var set numSet
	for _, part := range strings.Split(str, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		start, err := parseSetNum(lo, max)
		if err != nil {
			return nil, err
		}
		stop := start
		if isRange {
			if stop, err = parseSetNum(hi, max); err != nil {
				return nil, err
			}
		}
		if start > stop {
			start, stop = stop, start
		}
		if stop == 0 {
			continue
		}
		if start == 0 {
			start = 1
		}
		set = append(set, numRange{start, stop})
	}
	return set, nil
}

func parseSetNum(s string, max uint32) (uint32, error) {
	if s == "*" {
		return max, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, errBadNumSet
	}
	return uint32(n), nil
}

func (s numSet) seqSet() imap.SeqSet {
	out := make(imap.SeqSet, len(s))
	for i, r := range s {
		out[i] = imap.SeqRange{Start: r.start, Stop: r.stop}
	}
	return out
}

func (s numSet) uidSet() imap.UIDSet {
	out := make(imap.UIDSet, len(s))
	for i, r := range s {
		out[i] = imap.UIDRange{Start: imap.UID(r.start), Stop: imap.UID(r.stop)}
	}
	return out
}

func uidSetOf(uids []imap.UID) imap.UIDSet {
	out := make(imap.UIDSet, 0, len(uids))
	for _, uid := range uids {
		out = append(out, imap.UIDRange{Start: uid, Stop: uid})
	}
	return out
}
