package classifier

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"path"
	"regexp"
	"strings"
)

const (
	localHeaderLen     = 30
	flagDataDescriptor = 0x8
)

var (
	localHeaderSig = []byte("PK\x03\x04")
	dexEntryRe     = regexp.MustCompile(`^classes\d*\.dex$`)
	nativeEntryExt = []string{".exe", ".dll", ".so", ".dylib", ".sys"}
	scriptEntryExt = []string{".js", ".py", ".sh", ".bat", ".ps1", ".vbs"}
)

// inspectZip records findings for a ZIP buffer into v.
func inspectZip(buf []byte, v *Verdict) {
	names := zipEntryNames(buf)
	if len(names) == 0 {
		v.raise(Warning, "zip", "zip inspection failed, treat as suspicious")
		return
	}

	var (
		manifest, classFile, apk bool
		office, native, script   string
	)
	for _, name := range names {
		base := path.Base(name)
		switch {
		case name == "androidmanifest.xml", dexEntryRe.MatchString(name):
			apk = true
		case name == "meta-inf/manifest.mf":
			manifest = true
		case strings.HasSuffix(name, ".class"):
			classFile = true
		}

		if office == "" {
			switch {
			case strings.HasPrefix(name, "word/"):
				office = "docx"
			case strings.HasPrefix(name, "xl/"):
				office = "xlsx"
			case strings.HasPrefix(name, "ppt/"):
				office = "pptx"
			}
		}

		if native == "" && (hasAnySuffix(base, nativeEntryExt) || strings.Contains(name, ".app/")) {
			native = name
		}
		if script == "" && hasAnySuffix(base, scriptEntryExt) {
			script = name
		}
	}

	kind := "zip"
	switch {
	case apk:
		kind = "apk"
	case manifest && classFile:
		kind = "jar"
	case office != "":
		kind = office
	}

	if native != "" {
		v.raise(Dangerous, kind, "archive contains native executable "+native)
		return
	}
	if script != "" {
		v.raise(Warning, kind, "archive contains script "+script)
	}
	if kind != "zip" {
		v.raise(Warning, kind, kind+" package may carry active content")
	}
}

// zipEntryNames lists lowercased, slash-normalised entry names.
//
// A header buffer rarely reaches the central directory, so when the archive
// reader fails the local file headers are walked instead.
func zipEntryNames(buf []byte) []string {
	var names []string
	if r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf))); err == nil {
		for _, f := range r.File {
			names = append(names, normalizeEntry(f.Name))
		}
		if len(names) > 0 {
			return names
		}
	}

	return walkLocalHeaders(buf)
}

func walkLocalHeaders(buf []byte) (names []string) {
	off := bytes.Index(buf, localHeaderSig)
	for off >= 0 && off+localHeaderLen <= len(buf) {
		hdr := buf[off : off+localHeaderLen]
		flags := binary.LittleEndian.Uint16(hdr[6:8])
		compressed := int(binary.LittleEndian.Uint32(hdr[18:22]))
		nameLen := int(binary.LittleEndian.Uint16(hdr[26:28]))
		extraLen := int(binary.LittleEndian.Uint16(hdr[28:30]))

		nameEnd := off + localHeaderLen + nameLen
		if nameLen == 0 || nameEnd > len(buf) {
			break
		}
		names = append(names, normalizeEntry(string(buf[off+localHeaderLen:nameEnd])))

		next := nameEnd + extraLen
		if flags&flagDataDescriptor == 0 {
			next += compressed
		}
		if next <= off || next >= len(buf) {
			break
		}

		// sizes are unknown when a data descriptor follows the entry
		rel := bytes.Index(buf[next:], localHeaderSig)
		if rel < 0 {
			break
		}
		off = next + rel
	}

	return names
}

func normalizeEntry(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "\\", "/"))
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}

	return false
}
