package helpers

import "strings"

// MaskSensitive redacts credentials from a command line before it is
// logged. command is the verb of the line; the line is returned unchanged
// unless it matches one of sensitiveCommands.
//
//	a1 LOGIN user secret      -> a1 LOGIN user [REDACTED]
//	AUTH PLAIN AGFsaWNl...    -> AUTH PLAIN [REDACTED]
//	PASS secret               -> PASS [REDACTED]
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	sensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			sensitive = true
			break
		}
	}
	if !sensitive {
		return line
	}

	parts := strings.Fields(line)
	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		return line
	}

	// LOGIN keeps the user name and AUTH/AUTHENTICATE the mechanism.
	keep := cmdIndex + 2
	if strings.EqualFold(command, "PASS") {
		keep = cmdIndex + 1
	}
	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}
	return line
}
