package tool

import (
	"fmt"
	"strings"
)

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("'%s' is required", name)
	}
	return nil
}

// shellMetachars are rejected in free-form arguments even though commands
// run without a shell.
const shellMetachars = ";&|$`\"'()<>\n\\"

// ValidateNoShellMeta rejects values containing shell metacharacters.
func ValidateNoShellMeta(name, value string) error {
	if i := strings.IndexAny(value, shellMetachars); i >= 0 {
		return fmt.Errorf("'%s' contains forbidden character %q", name, value[i])
	}
	return nil
}

// truncateOutput caps s at max bytes, appending note when it cuts. The cut
// backs off to a rune boundary.
func truncateOutput(s string, max int, note string) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + note
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
