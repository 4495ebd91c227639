package apiroute

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
)

// Where an Issue was found.
const (
	InQuery  = "query"
	InParams = "params"
	InBody   = "body"
)

// Issue is one validation violation.
type Issue struct {
	In      string `json:"in"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Schema decodes and checks one part of a request. It returns the decoded
// value, or the issues that make the request invalid.
type Schema func(r *http.Request) (any, []Issue)

// Issues collects violations for one request part.
type Issues struct {
	in   string
	list []Issue
}

func NewIssues(in string) *Issues { return &Issues{in: in} }

func (is *Issues) Add(field, msg string) {
	is.list = append(is.list, Issue{In: is.in, Field: field, Message: msg})
}

func (is *Issues) Required(field, v string) bool {
	if strings.TrimSpace(v) == "" {
		is.Add(field, "is required")
		return false
	}
	return true
}

func (is *Issues) MaxLen(field, v string, n int) {
	if utf8.RuneCountInString(v) > n {
		is.Add(field, "must be at most "+strconv.Itoa(n)+" characters")
	}
}

func (is *Issues) OneOf(field, v string, allowed ...string) {
	if v == "" {
		return
	}
	for _, a := range allowed {
		if v == a {
			return
		}
	}
	is.Add(field, "must be one of "+strings.Join(allowed, ", "))
}

// Int parses an optional integer field within [lo, hi]; def when empty.
func (is *Issues) Int(field, v string, def, lo, hi int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		is.Add(field, "must be an integer between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
		return def
	}
	return n
}

// Bool parses an optional boolean field.
func (is *Issues) Bool(field, v string) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		is.Add(field, "must be true or false")
	}
	return b
}

func (is *Issues) List() []Issue { return is.list }

// JSONBody decodes the body into T, rejecting unknown fields, then runs
// check when set.
func JSONBody[T any](check func(*T, *Issues)) Schema {
	return func(r *http.Request) (any, []Issue) {
		is := NewIssues(InBody)
		var v T
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			is.Add("", decodeMessage(err))
			return nil, is.List()
		}
		if dec.More() {
			is.Add("", "must contain a single JSON value")
			return nil, is.List()
		}
		if check != nil {
			check(&v, is)
		}
		if len(is.list) > 0 {
			return nil, is.List()
		}
		return &v, nil
	}
}

func decodeMessage(err error) string {
	var (
		syntax   *json.SyntaxError
		typeErr  *json.UnmarshalTypeError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.Is(err, io.EOF):
		return "is required"
	case errors.As(err, &tooLarge):
		return "is too large"
	case errors.As(err, &syntax), errors.Is(err, io.ErrUnexpectedEOF):
		return "is not valid JSON"
	case errors.As(err, &typeErr):
		return "field " + typeErr.Field + " has the wrong type"
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return "has unknown field " + strings.TrimPrefix(err.Error(), "json: unknown field ")
	default:
		return "could not be decoded"
	}
}

// QuerySchema runs parse over the query string.
func QuerySchema[T any](parse func(q QueryValues, is *Issues) T) Schema {
	return func(r *http.Request) (any, []Issue) {
		is := NewIssues(InQuery)
		v := parse(QueryValues{r: r}, is)
		if len(is.list) > 0 {
			return nil, is.List()
		}
		return v, nil
	}
}

// ParamsSchema runs parse over the router's path parameters.
func ParamsSchema[T any](parse func(p PathParams, is *Issues) T) Schema {
	return func(r *http.Request) (any, []Issue) {
		is := NewIssues(InParams)
		v := parse(PathParams{r: r}, is)
		if len(is.list) > 0 {
			return nil, is.List()
		}
		return v, nil
	}
}

type QueryValues struct{ r *http.Request }

func (q QueryValues) Get(k string) string { return q.r.URL.Query().Get(k) }

type PathParams struct{ r *http.Request }

func (p PathParams) Get(k string) string { return chi.URLParam(p.r, k) }

// As returns v as T, or T's zero value when the schema was not set.
func As[T any](v any) T {
	t, _ := v.(T)
	return t
}
