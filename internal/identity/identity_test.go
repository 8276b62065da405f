package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"+5491135562673":        "+5491135562673",
		"5491135562673":         "+5491135562673",
		"+54 9 11 3556-2673":    "+5491135562673",
		"(54) 911.3556.2673":    "+5491135562673",
		"++5491135562673":       "+5491135562673",
		"54+91135562673":        "+5491135562673",
		"  +54 (911) 3556 2673": "+5491135562673",
		"0054 11 1234":          "+0054111234",
		"":                      "",
		"+":                     "",
		"abc":                   "",
	}
	for raw, want := range cases {
		assert.Equal(t, want, Normalize(raw), "Normalize(%q)", raw)
	}
}

func TestNormalize_SameDigitsSameKey(t *testing.T) {
	variants := []string{
		"+5491135562673",
		"5491135562673",
		"+54-9-11-3556-2673",
		"+54 (9) 11 3556 2673",
		"54 9 11 35 56 26 73",
	}
	want := Normalize(variants[0])
	for _, v := range variants {
		assert.Equal(t, want, Normalize(v), v)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	key := Normalize("+54 9 11 3556-2673")
	assert.Equal(t, key, Normalize(key))
	assert.True(t, Valid(key))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("+5491135562673", "5491135562673"))
	assert.True(t, Matches("+54 9 11 3556-2673", "5491135562673"))
	assert.False(t, Matches("+5491135562673", "+5491135562674"))
	assert.False(t, Matches("", ""))
	assert.False(t, Matches("abc", "def"))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("+123"))
	assert.False(t, Valid("123"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("+1 23"))
}

func TestRequire(t *testing.T) {
	key, err := Require("54 911")
	require.NoError(t, err)
	assert.Equal(t, "+54911", key)

	_, err = Require("  ")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestDigits(t *testing.T) {
	assert.Equal(t, "5491135562673", Digits("+54 9 11 3556-2673"))
	assert.Equal(t, "", Digits(""))
}
