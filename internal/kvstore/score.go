package kvstore

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatScore renders a score for ZCount/ZRemRangeByScore bounds.
func FormatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Exclusive renders an exclusive bound.
func Exclusive(f float64) string { return "(" + FormatScore(f) }

type bound struct {
	v    float64
	excl bool
}

func parseBound(s string) (bound, error) {
	switch strings.ToLower(s) {
	case "-inf":
		return bound{v: math.Inf(-1)}, nil
	case "+inf", "inf":
		return bound{v: math.Inf(1)}, nil
	}
	b := bound{}
	if strings.HasPrefix(s, "(") {
		b.excl = true
		s = s[1:]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return b, fmt.Errorf("kvstore: invalid score bound %q", s)
	}
	b.v = v
	return b, nil
}

func (b bound) aboveMin(score float64) bool {
	if b.excl {
		return score > b.v
	}
	return score >= b.v
}

func (b bound) belowMax(score float64) bool {
	if b.excl {
		return score < b.v
	}
	return score <= b.v
}
