package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first JSON value out of free-form model text.
//
// The ladder is: strip a leading Markdown fence, take the text as-is if it is
// valid JSON, then try the first balanced {...} or [...] segment, then the
// outermost span from the first opener to the last closer. When nothing
// parses the error wraps ErrMalformedResponse.
func ExtractJSON(raw string) (json.RawMessage, error) {
	s := trimBOM(strings.TrimSpace(raw))
	if inner, ok := stripCodeFence(s); ok {
		s = strings.TrimSpace(inner)
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return nil, fmt.Errorf("%w: no JSON object or array found", ErrMalformedResponse)
	}
	for i := start; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		if seg, ok := balancedSegment(s, i); ok && json.Valid([]byte(seg)) {
			return json.RawMessage(seg), nil
		}
	}

	end := strings.LastIndexAny(s, "}]")
	if end > start {
		if seg := s[start : end+1]; json.Valid([]byte(seg)) {
			return json.RawMessage(seg), nil
		}
	}
	return nil, fmt.Errorf("%w: no parseable JSON in %d bytes", ErrMalformedResponse, len(s))
}

// DecodeJSON runs ExtractJSON and unmarshals into v. Shape mismatches are
// reported as ErrMalformedResponse too.
func DecodeJSON(raw string, v any) error {
	data, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// stripCodeFence removes a fenced block when s starts with ``` or ~~~.
// A missing closing fence drops only the opening line.
func stripCodeFence(s string) (string, bool) {
	fence := ""
	switch {
	case strings.HasPrefix(s, "```"):
		fence = "```"
	case strings.HasPrefix(s, "~~~"):
		fence = "~~~"
	default:
		return "", false
	}
	rest := s[len(fence):]
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return "", false
	}
	rest = rest[nl+1:]
	if end := strings.Index(rest, fence); end != -1 {
		return rest[:end], true
	}
	return rest, true
}

// balancedSegment returns the value opening at s[start], skipping brackets inside strings.
func balancedSegment(s string, start int) (string, bool) {
	var (
		stack    []byte
		inString bool
		escape   bool
	)
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			top := stack[len(stack)-1]
			if (top == '{' && c != '}') || (top == '[' && c != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func trimBOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}
