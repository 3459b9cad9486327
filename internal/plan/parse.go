package plan

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// doneSentinel is emitted by the model when the incremental strategy
// has no further steps to add.
const doneSentinel = "<done/>"

// IsDone reports whether a model response is the terminal sentinel.
func IsDone(raw string) bool {
	return strings.Contains(raw, doneSentinel)
}

// rawStep tolerates the key variants models actually produce.
type rawStep struct {
	ID          string `json:"id"`
	Task        string `json:"task"`
	Expectation string `json:"expectation"`
	Reason      string `json:"reason"`
	Kind        string `json:"kind"`
	StepType    string `json:"step_type"`
}

func (r rawStep) toStep() (Step, error) {
	kind := r.Kind
	if kind == "" {
		kind = r.StepType
	}
	k := normalizeKind(kind)
	if !k.Valid() {
		return Step{}, &ParseError{Reason: "unknown step kind " + quote(kind)}
	}
	if strings.TrimSpace(r.Task) == "" {
		return Step{}, &ParseError{Reason: "missing task text"}
	}
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	return Step{
		ID:          id,
		Task:        strings.TrimSpace(r.Task),
		Expectation: strings.TrimSpace(r.Expectation),
		Reason:      strings.TrimSpace(r.Reason),
		Kind:        k,
	}, nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// normalizeKind maps historical kind spellings onto the closed enum.
func normalizeKind(s string) StepKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "research", "plan", "search":
		return KindResearch
	case "build", "create", "develop":
		return KindBuild
	case "finalize", "final", "finish":
		return KindFinalize
	}
	return StepKind(s)
}

// ParseStep extracts a single step object from a model response. The
// response may wrap the JSON in prose or markdown fences.
func ParseStep(raw string) (Step, error) {
	payload := extractJSON(raw, '{', '}')
	if payload == "" {
		return Step{}, &ParseError{Reason: "no JSON object found", Raw: raw}
	}
	var rs rawStep
	if err := json.Unmarshal([]byte(payload), &rs); err != nil {
		if repaired, ok := repairJSON(payload); ok {
			if err2 := json.Unmarshal([]byte(repaired), &rs); err2 == nil {
				return rs.toStep()
			}
		}
		return Step{}, &ParseError{Reason: err.Error(), Raw: raw}
	}
	return rs.toStep()
}

// ParsePlan extracts an ordered step array from a model response.
func ParsePlan(raw string) ([]Step, error) {
	payload := extractJSON(raw, '[', ']')
	if payload == "" {
		return nil, &ParseError{Reason: "no JSON array found", Raw: raw}
	}
	var rss []rawStep
	if err := json.Unmarshal([]byte(payload), &rss); err != nil {
		repaired, ok := repairJSON(payload)
		if !ok {
			return nil, &ParseError{Reason: err.Error(), Raw: raw}
		}
		if err2 := json.Unmarshal([]byte(repaired), &rss); err2 != nil {
			return nil, &ParseError{Reason: err.Error(), Raw: raw}
		}
	}
	steps := make([]Step, 0, len(rss))
	for _, rs := range rss {
		s, err := rs.toStep()
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// extractJSON returns the first balanced open..close region of text,
// respecting string literals and escapes. Returns "" when no balanced
// region exists.
func extractJSON(text string, open, close byte) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if start == -1 {
			if c == open {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// repairJSON applies a best-effort cleanup for the malformed JSON
// models commonly emit: trailing commas before a closing brace or
// bracket, and unescaped newlines inside string literals.
func repairJSON(payload string) (string, bool) {
	var b strings.Builder
	b.Grow(len(payload))
	inString := false
	escaped := false

	for i := 0; i < len(payload); i++ {
		c := payload[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			b.WriteByte(c)
			escaped = true
		case c == '"':
			inString = !inString
			b.WriteByte(c)
		case inString && c == '\n':
			b.WriteString(`\n`)
		case inString && c == '\t':
			b.WriteString(`\t`)
		case inString && c == '\r':
		case !inString && c == ',':
			if j := nextNonSpace(payload, i+1); j >= 0 && (payload[j] == '}' || payload[j] == ']') {
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	repaired := b.String()
	return repaired, repaired != payload
}

func nextNonSpace(s string, i int) int {
	for ; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
		default:
			return i
		}
	}
	return -1
}
