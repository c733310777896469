package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence in an expected document accepts any actual value for that key.
const Presence = "<<PRESENCE>>"

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONAssertOptions control how JSON documents such as session reports are
// compared.
type JSONAssertOptions struct {
	IgnoreExtraKeys bool     `default:"true"`
	IgnoredFields   []string `default:""`
}

// JSONOption is a functional option for JSONAsserter.
type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a
// gojsondiff delta on mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates an asserter with default options.
func NewJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

// WithOptions applies functional options.
func (ja *JSONAsserter) WithOptions(opts ...JSONOption) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert fails the test when actualJSON does not match expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	if d := ja.Diff(actualJSON, expectedJSON); d != "" {
		ja.t.Errorf("JSON mismatch:\n%s", d)
		return false
	}
	return true
}

// AssertValue marshals actual and compares it with expectedJSON.
func (ja *JSONAsserter) AssertValue(actual any, expectedJSON string) bool {
	return ja.Assert(MustJSON(actual), expectedJSON)
}

// Diff returns "" for matching documents and a readable delta otherwise.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual map[string]interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	acceptPresence(expected, actual)
	for _, field := range ja.options.IgnoredFields {
		dropField(expected, field)
		dropField(actual, field)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	d := gojsondiff.New().CompareObjects(expected, actual)
	if !d.Modified() {
		return ""
	}
	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, err := f.Format(d)
	if err != nil {
		return fmt.Sprintf("format diff: %v", err)
	}
	return out
}

// acceptPresence copies actual values over Presence placeholders.
func acceptPresence(expected, actual interface{}) {
	exp, ok := expected.(map[string]interface{})
	if !ok {
		return
	}
	act, ok := actual.(map[string]interface{})
	if !ok {
		return
	}
	for k, v := range exp {
		if s, ok := v.(string); ok && s == Presence {
			if av, present := act[k]; present {
				exp[k] = av
			}
			continue
		}
		acceptPresence(v, act[k])
	}
}

// pruneExtraKeys removes keys of actual that expected does not mention.
func pruneExtraKeys(actual, expected interface{}) {
	act, ok := actual.(map[string]interface{})
	if !ok {
		return
	}
	exp, ok := expected.(map[string]interface{})
	if !ok {
		return
	}
	for k := range act {
		if _, keep := exp[k]; !keep {
			delete(act, k)
			continue
		}
		pruneExtraKeys(act[k], exp[k])
	}
}

func dropField(doc interface{}, field string) {
	m, ok := doc.(map[string]interface{})
	if !ok {
		return
	}
	delete(m, field)
	for _, v := range m {
		dropField(v, field)
	}
}

// WithIgnoreExtraKeys sets whether keys missing from the expected document are ignored.
func WithIgnoreExtraKeys(on bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = on }
}

// WithIgnoredFields removes the named fields at any depth before comparing.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}
