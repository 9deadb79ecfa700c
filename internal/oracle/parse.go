package oracle

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// ExtractObject returns the JSON object embedded in reply. It tries the whole
// reply, then the body of a code fence, then the span between the first '{'
// and the last '}'.
func ExtractObject(reply string) (string, error) {
	return extract(reply, '{', '}')
}

// ExtractArray is ExtractObject for a top-level JSON array.
func ExtractArray(reply string) (string, error) {
	return extract(reply, '[', ']')
}

func extract(reply string, open, end byte) (string, error) {
	s := strings.TrimSpace(reply)
	if s == "" {
		return "", ErrNoJSON
	}
	if isJSON(s, open) {
		return s, nil
	}
	candidates := []string{s}
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		inner := strings.TrimSpace(m[1])
		if isJSON(inner, open) {
			return inner, nil
		}
		candidates = []string{inner, s}
	}
	for _, c := range candidates {
		i := strings.IndexByte(c, open)
		j := strings.LastIndexByte(c, end)
		if i < 0 || j <= i {
			continue
		}
		if span := c[i : j+1]; isJSON(span, open) {
			return span, nil
		}
	}
	return "", ErrNoJSON
}

func isJSON(s string, open byte) bool {
	return len(s) > 0 && s[0] == open && gjson.Valid(s)
}

// Decode extracts the JSON object from reply and unmarshals it into T.
func Decode[T any](reply string) (T, error) {
	var out T
	raw, err := ExtractObject(reply)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("decode oracle json: %w", err)
	}
	return out, nil
}

// Field reads one key from the object embedded in reply. Models sometimes
// quote booleans, so callers read through gjson rather than a struct.
func Field(reply, key string) (gjson.Result, error) {
	raw, err := ExtractObject(reply)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.Get(raw, key), nil
}

// Label picks a bare label out of a short reply such as `"casual"` or
// `Answer.`. It returns false when the reply names none of allowed.
func Label(reply string, allowed []string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(reply))
	if i := strings.IndexByte(s, '"'); i >= 0 {
		if j := strings.IndexByte(s[i+1:], '"'); j >= 0 {
			s = s[i+1 : i+1+j]
		}
	}
	s = strings.Trim(s, " \t\r\n.'`!")
	for _, a := range allowed {
		if s == a {
			return a, true
		}
	}
	return "", false
}
