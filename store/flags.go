package store

import (
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/trove/consts"
)

func flagEqual(a, b imap.Flag) bool {
	return strings.EqualFold(string(a), string(b))
}

// canonicalFlag validates a flag and returns its canonical spelling.
// System flags are matched case-insensitively; keywords must be IMAP atoms.
func canonicalFlag(f imap.Flag) (imap.Flag, error) {
	s := string(f)
	if strings.HasPrefix(s, `\`) {
		for _, sys := range consts.SystemFlags {
			if strings.EqualFold(s, string(sys)) {
				return sys, nil
			}
		}
		return "", fmt.Errorf("%w: %s", consts.ErrInvalidFlag, s)
	}
	if s == "" || strings.EqualFold(s, "NIL") || strings.EqualFold(s, "NULL") {
		return "", fmt.Errorf("%w: %q", consts.ErrInvalidFlag, s)
	}
	for _, r := range s {
		if r <= 0x20 || r >= 0x7f || strings.ContainsRune(`(){%*"\]`, r) {
			return "", fmt.Errorf("%w: %q", consts.ErrInvalidFlag, s)
		}
	}
	return f, nil
}

// normalizeFlags canonicalises, de-duplicates and sorts flags. \Recent is
// dropped because clients cannot set it.
func normalizeFlags(flags []imap.Flag) ([]imap.Flag, error) {
	out := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		cf, err := canonicalFlag(f)
		if err != nil {
			return nil, err
		}
		if cf == consts.FlagRecent || hasFlag(out, cf) {
			continue
		}
		out = append(out, cf)
	}
	sortFlags(out)
	return out, nil
}

func sortFlags(flags []imap.Flag) {
	slices.SortFunc(flags, func(a, b imap.Flag) int {
		return strings.Compare(strings.ToLower(string(a)), strings.ToLower(string(b)))
	})
}

// applyFlagOp computes the new flag set. Add is a union and remove drops
// only the named flags, so concurrent updates touching different flags
// compose.
func applyFlagOp(current []imap.Flag, op imap.StoreFlagsOp, flags []imap.Flag) []imap.Flag {
	var out []imap.Flag
	switch op {
	case imap.StoreFlagsSet:
		out = slices.Clone(flags)
	case imap.StoreFlagsAdd:
		out = slices.Clone(current)
		for _, f := range flags {
			if !hasFlag(out, f) {
				out = append(out, f)
			}
		}
	case imap.StoreFlagsDel:
		out = make([]imap.Flag, 0, len(current))
		for _, f := range current {
			if !hasFlag(flags, f) {
				out = append(out, f)
			}
		}
	default:
		out = slices.Clone(current)
	}
	sortFlags(out)
	return out
}

// Keywords returns the non-system flags in flags.
func Keywords(flags []imap.Flag) []imap.Flag {
	var out []imap.Flag
	for _, f := range flags {
		if !strings.HasPrefix(string(f), `\`) {
			out = append(out, f)
		}
	}
	return out
}
