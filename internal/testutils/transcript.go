package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the part of testing.T the asserters need.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TranscriptOptions control how terminal transcripts are normalized before
// comparison.
type TranscriptOptions struct {
	NormalizeNewlines        bool `default:"true"`
	StripEscapes             bool `default:"false"`
	IgnoreTrailingWhitespace bool `default:"false"`
	EnableColors             bool `default:"false"`
}

// TranscriptOption is a functional option for TranscriptAsserter.
type TranscriptOption func(*TranscriptOptions)

// TranscriptAsserter compares bytes recorded from a terminal with the
// expected text and reports a unified diff on mismatch.
type TranscriptAsserter struct {
	t       TestingT
	options TranscriptOptions
}

// escapeSequence matches CSI and OSC sequences as emitted by shells.
var escapeSequence = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// NewTranscriptAsserter creates an asserter with default options.
func NewTranscriptAsserter(t TestingT) *TranscriptAsserter {
	opts := TranscriptOptions{}
	defaults.SetDefaults(&opts)
	return &TranscriptAsserter{t: t, options: opts}
}

// WithOptions applies functional options.
func (ta *TranscriptAsserter) WithOptions(opts ...TranscriptOption) *TranscriptAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// Options returns a copy of the current options.
func (ta *TranscriptAsserter) Options() TranscriptOptions {
	return ta.options
}

// Assert fails the test when actual differs from expected after normalization.
func (ta *TranscriptAsserter) Assert(actual []byte, expected string) bool {
	if d := ta.Diff(string(actual), expected); d != "" {
		ta.t.Errorf("Transcript mismatch:\n%s", d)
		return false
	}
	return true
}

// Diff returns "" for matching transcripts and a unified diff otherwise.
func (ta *TranscriptAsserter) Diff(actual, expected string) string {
	a := ta.normalize(actual)
	e := ta.normalize(expected)
	if a == e {
		return ""
	}
	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	return ta.colorize(unified)
}

func (ta *TranscriptAsserter) normalize(text string) string {
	if ta.options.StripEscapes {
		text = escapeSequence.ReplaceAllString(text, "")
	}
	if ta.options.NormalizeNewlines {
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}
	if ta.options.IgnoreTrailingWhitespace {
		lines := strings.Split(text, "\n")
		for i, line := range lines {
			lines[i] = strings.TrimRight(line, " \t\r")
		}
		text = strings.Join(lines, "\n")
	}
	// control characters other than newline are made visible in diffs
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\r':
			return '␍'
		case r == 0x1b:
			return '␛'
		}
		return r
	}, text)
}

func (ta *TranscriptAsserter) colorize(diff string) string {
	if !ta.options.EnableColors {
		return diff
	}
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

// WithNormalizeNewlines treats CRLF as LF.
func WithNormalizeNewlines(on bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.NormalizeNewlines = on }
}

// WithStripEscapes removes terminal escape sequences before comparing.
func WithStripEscapes(on bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.StripEscapes = on }
}

// WithIgnoreTrailingWhitespace ignores whitespace at line ends.
func WithIgnoreTrailingWhitespace(on bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.IgnoreTrailingWhitespace = on }
}

// WithEnableColors colors the diff output.
func WithEnableColors(on bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.EnableColors = on }
}
