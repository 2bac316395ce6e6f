package inference

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Judgment output is not trusted to be well-formed JSON. Decode runs a
// descending chain of extraction steps over the raw text and unmarshals
// the first candidate that parses. Callers that still fail must fall back
// to their own safe default; Decode itself never panics.
var decodeSteps = []func(string) (string, bool){
	wholeText,
	fencedBlock,
	largestObject,
}

func Decode(text string, v any) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fmt.Errorf("empty judgment output")
	}
	var lastErr error
	for _, step := range decodeSteps {
		candidate, ok := step(trimmed)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(candidate), v); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no JSON candidate found")
	}
	return fmt.Errorf("decode judgment output: %w", lastErr)
}

func wholeText(text string) (string, bool) {
	return text, true
}

func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start == -1 {
		return "", false
	}
	body := text[start+3:]
	if newline := strings.IndexByte(body, '\n'); newline != -1 {
		// Drop a language tag like ```json.
		head := strings.TrimSpace(body[:newline])
		if head != "" && !strings.ContainsAny(head, "{[") {
			body = body[newline+1:]
		}
	}
	end := strings.Index(body, "```")
	if end == -1 {
		return strings.TrimSpace(body), strings.TrimSpace(body) != ""
	}
	block := strings.TrimSpace(body[:end])
	return block, block != ""
}

// largestObject scans for the largest balanced top-level JSON object,
// ignoring braces inside strings.
func largestObject(text string) (string, bool) {
	best := ""
	for offset := 0; offset < len(text); {
		start := strings.IndexByte(text[offset:], '{')
		if start == -1 {
			break
		}
		start += offset
		obj, ok := balancedObjectAt(text, start)
		if !ok {
			offset = start + 1
			continue
		}
		if len(obj) > len(best) {
			best = obj
		}
		offset = start + len(obj)
	}
	return best, best != ""
}

func balancedObjectAt(text string, start int) (string, bool) {
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

var (
	stringFieldPattern = `"%s"\s*:\s*"((?:[^"\\]|\\.)*)"`
	boolFieldPattern   = `"%s"\s*:\s*(true|false)`
	arrayFieldPattern  = `"%s"\s*:\s*\[([^\]]*)\]`
	quotedItemRe       = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
)

// StringField pulls a single string field out of malformed output. Last
// resort before a caller's safe default.
func StringField(text, name string) (string, bool) {
	re, err := regexp.Compile(fmt.Sprintf(stringFieldPattern, regexp.QuoteMeta(name)))
	if err != nil {
		return "", false
	}
	match := re.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	var decoded string
	if err := json.Unmarshal([]byte(`"`+match[1]+`"`), &decoded); err != nil {
		return match[1], true
	}
	return decoded, true
}

func BoolField(text, name string) (bool, bool) {
	re, err := regexp.Compile(fmt.Sprintf(boolFieldPattern, regexp.QuoteMeta(name)))
	if err != nil {
		return false, false
	}
	match := re.FindStringSubmatch(text)
	if match == nil {
		return false, false
	}
	return match[1] == "true", true
}

func StringListField(text, name string) ([]string, bool) {
	re, err := regexp.Compile(fmt.Sprintf(arrayFieldPattern, regexp.QuoteMeta(name)))
	if err != nil {
		return nil, false
	}
	match := re.FindStringSubmatch(text)
	if match == nil {
		return nil, false
	}
	items := quotedItemRe.FindAllStringSubmatch(match[1], -1)
	out := make([]string, 0, len(items))
	for _, item := range items {
		var decoded string
		if err := json.Unmarshal([]byte(`"`+item[1]+`"`), &decoded); err != nil {
			decoded = item[1]
		}
		if strings.TrimSpace(decoded) != "" {
			out = append(out, decoded)
		}
	}
	return out, true
}
