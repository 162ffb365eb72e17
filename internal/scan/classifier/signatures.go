package classifier

import (
	"bytes"
	"regexp"

	"github.com/gabriel-vasile/mimetype"
)

var (
	peMagic  = []byte("MZ")
	elfMagic = []byte{0x7F, 'E', 'L', 'F'}
	pdfMagic = []byte("%PDF")

	machoMagics = [][]byte{
		{0xFE, 0xED, 0xFA, 0xCE}, // 32-bit big endian
		{0xFE, 0xED, 0xFA, 0xCF}, // 64-bit big endian
		{0xCE, 0xFA, 0xED, 0xFE}, // 32-bit little endian
		{0xCF, 0xFA, 0xED, 0xFE}, // 64-bit little endian
		{0xCA, 0xFE, 0xBA, 0xBE}, // universal
		{0xBE, 0xBA, 0xFE, 0xCA}, // universal, swapped
	}

	zipMagics = [][]byte{
		[]byte("PK\x03\x04"), // local file header
		[]byte("PK\x05\x06"), // end of central directory, empty archive
		[]byte("PK\x07\x08"), // spanned archive data descriptor
	}
)

func isPE(buf []byte) bool {
	return bytes.HasPrefix(buf, peMagic)
}

// nativeExecutable matches PE, ELF and Mach-O headers.
func nativeExecutable(buf []byte) (kind string, ok bool) {
	switch {
	case isPE(buf):
		return "pe", true
	case bytes.HasPrefix(buf, elfMagic):
		return "elf", true
	}
	for _, magic := range machoMagics {
		if bytes.HasPrefix(buf, magic) {
			return "macho", true
		}
	}

	return "", false
}

func isZip(buf []byte, mt *mimetype.MIME) bool {
	for _, magic := range zipMagics {
		if bytes.HasPrefix(buf, magic) {
			return true
		}
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}

	return false
}

// looksLikeText reports whether the first window bytes contain no NUL.
func looksLikeText(buf []byte, window int) bool {
	if len(buf) == 0 {
		return false
	}
	if len(buf) > window {
		buf = buf[:window]
	}

	return bytes.IndexByte(buf, 0) < 0
}

type sourceHint struct {
	pattern *regexp.Regexp
	kind    string
	reason  string
}

var (
	shebangRe = regexp.MustCompile(`^#![^\n]*?\b(python[0-9.]*|node|bash|sh)\b`)

	sourceHints = []sourceHint{
		{regexp.MustCompile(`\brequire\(`), "js", "javascript require() call"},
		{regexp.MustCompile(`\bmodule\.exports\b`), "js", "javascript module.exports"},
		{regexp.MustCompile(`(?m)^\s*import\s+.+\s+from\s+['"]`), "js", "javascript import statement"},
		{regexp.MustCompile(`(?m)^\s*def\s+\w+\s*\(`), "py", "python function definition"},
		{regexp.MustCompile(`(?m)^\s*from\s+[\w.]+\s+import\s+`), "py", "python from-import statement"},
		{regexp.MustCompile(`(?m)^\s*import\s+[\w.]+\s*$`), "py", "python import statement"},
	}
)

// scriptHint looks for a shebang or source-code patterns in a text buffer.
func scriptHint(buf []byte) (kind, reason string, ok bool) {
	if m := shebangRe.FindSubmatch(buf); m != nil {
		interp := string(m[1])
		switch {
		case bytes.HasPrefix(m[1], []byte("python")):
			return "py", "shebang names " + interp, true
		case interp == "node":
			return "js", "shebang names node", true
		default:
			return "sh", "shebang names " + interp, true
		}
	}

	for _, hint := range sourceHints {
		if hint.pattern.Match(buf) {
			return hint.kind, hint.reason, true
		}
	}

	return "", "", false
}
