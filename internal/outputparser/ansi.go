package outputparser

import "regexp"

// ansiPatterns strips the escape sequences an agent CLI actually emits:
// CSI (cursor motion, SGR color, erase), OSC (including hyperlinks),
// 8-bit C1 CSI, and the handful of simple two-char escapes. Non-ANSI
// Unicode — box-drawing, emoji, bullet glyphs — is left untouched.
var ansiPatterns = []*regexp.Regexp{
	// CSI: ESC [ ... final-byte (0x40-0x7E). Covers SGR, cursor motion,
	// erase, 256/24-bit color.
	regexp.MustCompile("\x1b\\[[0-9;?]*[ -/]*[@-~]"),
	// OSC: ESC ] ... (BEL | ESC \). Covers hyperlinks (OSC 8).
	regexp.MustCompile("\x1b\\][^\x07\x1b]*(\x07|\x1b\\\\)"),
	// Simple two-char escapes: ESC D, ESC M, ESC 7, ESC 8.
	regexp.MustCompile("\x1b[DM78]"),
	// 8-bit C1 CSI (0x9B ... final byte).
	regexp.MustCompile("\u009b[0-9;?]*[ -/]*[@-~]"),
}

// StripANSI removes every recognized escape sequence from line.
func StripANSI(line string) string {
	for _, re := range ansiPatterns {
		line = re.ReplaceAllString(line, "")
	}
	return line
}
