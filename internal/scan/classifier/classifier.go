// Package classifier decides whether a partial file header looks dangerous.
//
// One Classifier serves two modes: Classify runs every heuristic,
// ClassifyWithPolicy is the fast path that combines the PE check with the
// chat's extension policy. The scan worker runs Classify first only when
// configured for thorough mode.
package classifier

import (
	"bytes"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Laisky/telegram-filescan/internal/scan"
)

// Level grades a verdict.
type Level int

const (
	// Safe means no known dangerous signature was found. It is not a guarantee.
	Safe Level = iota
	// Warning means the content can carry active payloads and should be treated as suspicious.
	Warning
	// Dangerous means the content is, or directly contains, a native executable.
	Dangerous
)

func (l Level) String() string {
	switch l {
	case Safe:
		return "safe"
	case Warning:
		return "warning"
	case Dangerous:
		return "dangerous"
	default:
		return "unknown"
	}
}

// Verdict is the result of classifying one buffer.
type Verdict struct {
	Level   Level
	Reasons []string
	// Kind is the detected file kind, such as "pe", "zip", "docx" or "py". Empty when unknown.
	Kind string
}

// Danger reports whether the verdict asks for the message to be removed.
func (v Verdict) Danger() bool {
	return v.Level == Dangerous
}

// Suspicious reports whether the verdict is at least a warning.
func (v Verdict) Suspicious() bool {
	return v.Level >= Warning
}

// Reason joins all reasons into one line.
func (v Verdict) Reason() string {
	return strings.Join(v.Reasons, "; ")
}

// raise merges a finding into v. The level only ever goes up and the
// first detected kind is kept.
func (v *Verdict) raise(level Level, kind, reason string) {
	if level > v.Level {
		v.Level = level
	}
	if v.Kind == "" {
		v.Kind = kind
	}
	v.Reasons = append(v.Reasons, reason)
}

const defaultTextWindow = 4096

// Option configures a Classifier.
type Option func(*Classifier)

// WithTextWindow sets how many leading bytes must be free of NUL for the
// buffer to be inspected as text.
func WithTextWindow(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.textWindow = n
		}
	}
}

// Classifier classifies partial file headers. It holds no mutable state and
// is safe for concurrent use.
type Classifier struct {
	textWindow int
}

// New builds a Classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{textWindow: defaultTextWindow}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Classify runs the thorough classification over buf.
//
// A native executable signature short-circuits everything else. ZIP, PDF and
// script findings accumulate, and the highest level wins.
func (c *Classifier) Classify(buf []byte) Verdict {
	if kind, ok := nativeExecutable(buf); ok {
		return Verdict{
			Level:   Dangerous,
			Kind:    kind,
			Reasons: []string{"native executable signature (" + kind + ")"},
		}
	}

	var (
		verdict Verdict
		mt      = mimetype.Detect(buf)
	)
	if isZip(buf, mt) {
		inspectZip(buf, &verdict)
		if verdict.Danger() {
			return verdict
		}
	}

	if bytes.HasPrefix(buf, pdfMagic) || mt.Is("application/pdf") {
		verdict.raise(Warning, "pdf", "pdf document may embed actions or scripts")
	}

	if looksLikeText(buf, c.textWindow) {
		if kind, reason, ok := scriptHint(buf); ok {
			verdict.raise(Warning, kind, reason)
		}
	}

	if len(verdict.Reasons) == 0 {
		verdict.Reasons = []string{"no known dangerous signature"}
	}

	return verdict
}

// ClassifyWithPolicy is the fast path: a PE check followed by a library
// file-type sniff matched against the chat's extension policy.
//
// In accept mode any sniffed extension missing from the list is dangerous,
// in block mode any listed extension is dangerous. An empty policy or an
// unrecognised file type never flags the file.
func (c *Classifier) ClassifyWithPolicy(buf []byte, policy scan.ExtensionPolicy) Verdict {
	if isPE(buf) {
		return Verdict{
			Level:   Dangerous,
			Kind:    "pe",
			Reasons: []string{"native executable signature (pe)"},
		}
	}

	ext := strings.TrimPrefix(mimetype.Detect(buf).Extension(), ".")
	if ext == "" || len(policy.Extensions) == 0 {
		return Verdict{Level: Safe, Kind: ext, Reasons: []string{"no policy match"}}
	}

	listed := false
	for _, allowed := range policy.Extensions {
		if normalizeExt(allowed) == ext {
			listed = true
			break
		}
	}

	switch {
	case policy.AcceptMode && !listed:
		return Verdict{Level: Dangerous, Kind: ext, Reasons: []string{"extension ." + ext + " is not in the allow-list"}}
	case !policy.AcceptMode && listed:
		return Verdict{Level: Dangerous, Kind: ext, Reasons: []string{"extension ." + ext + " is in the block-list"}}
	default:
		return Verdict{Level: Safe, Kind: ext, Reasons: []string{"extension ." + ext + " permitted by policy"}}
	}
}

func normalizeExt(ext string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}
