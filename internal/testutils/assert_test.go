package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type captureT struct {
	errors []string
}

func (c *captureT) Errorf(format string, args ...interface{}) {
	c.errors = append(c.errors, fmt.Sprintf(format, args...))
}

func TestTextAsserter(t *testing.T) {
	t.Run("equal after normalization", func(t *testing.T) {
		ct := &captureT{}
		NewTextAsserterWithInterface(ct).
			WithOptions(WithTrimSpace(true), WithIgnoreTrailingWhitespace(true), WithIgnoreEmptyLines(true)).
			Assert("\n  a  \n\nb\t\n", "  a\nb")
		assert.Empty(t, ct.errors)
	})

	t.Run("diff is reported", func(t *testing.T) {
		ct := &captureT{}
		NewTextAsserterWithInterface(ct).Assert("a\nc\n", "a\nb\n")
		if assert.Len(t, ct.errors, 1) {
			assert.Contains(t, ct.errors[0], "-b")
			assert.Contains(t, ct.errors[0], "+c")
		}
	})

	t.Run("colors", func(t *testing.T) {
		ct := &captureT{}
		NewTextAsserterWithInterface(ct).WithOptions(WithEnableColors(true)).Assert("x", "y")
		if assert.Len(t, ct.errors, 1) {
			assert.Contains(t, ct.errors[0], "\x1b[")
		}
	})
}

func TestJSONAsserter(t *testing.T) {
	t.Run("extra keys and presence placeholder", func(t *testing.T) {
		ct := &captureT{}
		NewJSONAsserter(ct).Assert(
			`{"state":"enabled","listeners":2,"uptime":"5s"}`,
			`{"state":"enabled","listeners":"<<PRESENCE>>"}`,
		)
		assert.Empty(t, ct.errors)
	})

	t.Run("mismatch", func(t *testing.T) {
		ct := &captureT{}
		NewJSONAsserter(ct).Assert(`{"state":"disabled"}`, `{"state":"enabled"}`)
		assert.Len(t, ct.errors, 1)
	})

	t.Run("strict keys", func(t *testing.T) {
		ct := &captureT{}
		NewJSONAsserter(ct).WithOptions(WithIgnoreExtraKeys(false)).Assert(`{"a":1,"b":2}`, `{"a":1}`)
		assert.Len(t, ct.errors, 1)
	})

	t.Run("ignored fields", func(t *testing.T) {
		ct := &captureT{}
		NewJSONAsserter(ct).
			WithOptions(WithIgnoreExtraKeys(false), WithIgnoredFields("at")).
			Assert(`{"a":1,"nested":{"at":"now"}}`, `{"a":1,"nested":{"at":"then"}}`)
		assert.Empty(t, ct.errors)
	})

	t.Run("AssertValue", func(t *testing.T) {
		ct := &captureT{}
		NewJSONAsserter(ct).AssertValue(struct {
			Name string `json:"name"`
		}{Name: "x"}, `{"name":"x"}`)
		assert.Empty(t, ct.errors)
	})
}
