package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"cache:user:1:*", "cache:user:1:req:/api/tasks?zone=home", true},
		{"cache:user:1:*", "cache:user:10:tasks", false},
		{"*", "", true},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"h[ae]llo", "hallo", true},
		{"h[^e]llo", "hello", false},
		{"h[a-c]llo", "hbllo", true},
		{`user:a\*b:*`, "user:a*b:x", true},
		{`user:a\*b:*`, "user:axb:x", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchGlob(tc.pattern, tc.s), "%q ~ %q", tc.pattern, tc.s)
	}
}
