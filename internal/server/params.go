package server

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"historian/internal/predicate"
)

const apiPrefix = "/api/v2"

// queryRequest is one parsed query URL: the collection, the optional
// identity segment, matrix arguments folded into predicate parameters,
// and the presentation flags.
type queryRequest struct {
	collection string
	selector   string
	params     predicate.Params

	limit      int
	diff       bool
	diffOffset int
	expand     bool
	pretty     bool
	callback   string
}

var callbackRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]*$`)

// parseQuery parses the path remainder after the API prefix, already
// trimmed of surrounding slashes but still percent-escaped. Matrix
// arguments (";key=value") may ride on either the collection or the
// identity segment; a field selector (":(a.b,c)") terminates the path.
func parseQuery(rest string, now time.Time) (*queryRequest, *response) {
	q := &queryRequest{diffOffset: 1}

	if i := strings.Index(rest, ":("); i >= 0 {
		q.selector = rest[i:]
		rest = rest[:i]
	}

	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) > 2 {
		return nil, badRequest("unexpected path segment %q", segments[2])
	}

	name, args, errResp := splitMatrix(segments[0])
	if errResp != nil {
		return nil, errResp
	}
	if name == "" {
		return nil, badRequest("missing collection name")
	}
	q.collection = name
	for _, a := range args {
		if errResp := q.apply(a, now); errResp != nil {
			return nil, errResp
		}
	}

	if len(segments) == 2 {
		idPart, args, errResp := splitMatrix(segments[1])
		if errResp != nil {
			return nil, errResp
		}
		for _, id := range strings.Split(idPart, ",") {
			if id == "" {
				return nil, badRequest("empty id in %q", idPart)
			}
			q.params.IDs = append(q.params.IDs, id)
		}
		for _, a := range args {
			if errResp := q.apply(a, now); errResp != nil {
				return nil, errResp
			}
		}
	}

	if q.diff && len(q.params.IDs) != 1 {
		return nil, badRequest("_diff requires exactly one id")
	}
	return q, nil
}

// matrixArg is one ";key" or ";key=value" path argument.
type matrixArg struct {
	key      string
	value    string
	hasValue bool
}

// splitMatrix separates a path segment into its leading value and its
// matrix arguments, percent-unescaping each piece.
func splitMatrix(segment string) (string, []matrixArg, *response) {
	parts := strings.Split(segment, ";")
	value, err := url.PathUnescape(parts[0])
	if err != nil {
		return "", nil, badRequest("malformed path segment %q", parts[0])
	}

	var args []matrixArg
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		rawKey, rawValue, hasValue := strings.Cut(part, "=")
		key, err := url.PathUnescape(rawKey)
		if err != nil {
			return "", nil, badRequest("malformed argument %q", part)
		}
		val, err := url.PathUnescape(rawValue)
		if err != nil {
			return "", nil, badRequest("malformed argument %q", part)
		}
		args = append(args, matrixArg{key: key, value: val, hasValue: hasValue})
	}
	return value, args, nil
}

// apply folds one matrix argument into the request. Underscore keys are
// reserved control parameters; everything else is a field-equality term.
func (q *queryRequest) apply(a matrixArg, now time.Time) *response {
	switch a.key {
	case "_at":
		return q.setTime(&q.params.At, a, now)
	case "_since":
		return q.setTime(&q.params.Since, a, now)
	case "_until":
		return q.setTime(&q.params.Until, a, now)
	case "_all":
		return setBool(&q.params.All, a)
	case "_live":
		return setBool(&q.params.Live, a)
	case "_updated":
		return setBool(&q.params.Updated, a)
	case "_meta":
		return setBool(&q.params.Meta, a)
	case "_pp":
		return setBool(&q.pretty, a)
	case "_expand":
		return setBool(&q.expand, a)
	case "_limit":
		n, err := strconv.Atoi(a.value)
		if err != nil || n < 1 {
			return badRequest("_limit must be a positive integer, got %q", a.value)
		}
		q.limit = n
		return nil
	case "_diff":
		q.diff = true
		// A diff needs every version of the identity.
		q.params.All = true
		if a.hasValue {
			n, err := strconv.Atoi(a.value)
			if err != nil || n < 1 {
				return badRequest("_diff offset must be a positive integer, got %q", a.value)
			}
			q.diffOffset = n
		}
		return nil
	case "_callback":
		if !callbackRe.MatchString(a.value) {
			return badRequest("invalid _callback name %q", a.value)
		}
		q.callback = a.value
		return nil
	}

	if strings.HasPrefix(a.key, "_") {
		return badRequest("unknown parameter %q", a.key)
	}
	q.params.Terms = append(q.params.Terms, predicate.Term{Key: a.key, Value: a.value})
	return nil
}

// setTime parses an epoch-millisecond argument; a valueless flag means
// "now".
func (q *queryRequest) setTime(dst *time.Time, a matrixArg, now time.Time) *response {
	if !a.hasValue || a.value == "" {
		*dst = now
		return nil
	}
	ms, err := strconv.ParseInt(a.value, 10, 64)
	if err != nil {
		return badRequest("%s must be epoch milliseconds, got %q", a.key, a.value)
	}
	*dst = time.UnixMilli(ms).UTC()
	return nil
}

// setBool parses a boolean flag; a bare key means true.
func setBool(dst *bool, a matrixArg) *response {
	if !a.hasValue || a.value == "" || a.value == "true" {
		*dst = true
		return nil
	}
	if a.value == "false" {
		*dst = false
		return nil
	}
	return badRequest("%s must be true or false, got %q", a.key, a.value)
}
