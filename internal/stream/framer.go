package stream

import "strings"

// Framer rewrites an incremental text stream so that citation patterns are
// only ever emitted whole. It buffers the smallest suffix that could still
// grow into a pattern; everything before it is flushed immediately, so memory
// use is bounded by the largest single pattern, not the stream length.
//
// Recognized patterns: wrapper tags (<file>, <img>, <data>, <files>, paired or
// self-closing) and bare base64 data URIs. Quoted resource ids inside a
// completed pattern are resolved back to their original content on emission.
type Framer struct {
	rm     *ResourceManager
	buffer string
}

// NewFramer creates a framer backed by the given resource table.
func NewFramer(rm *ResourceManager) *Framer {
	return &Framer{rm: rm}
}

type scanKind int

const (
	scanNone scanKind = iota
	scanPartial
	scanComplete
)

// wrapper tag names, longest first so "files" wins over "file".
var tagNames = []string{"files", "file", "data", "img"}

// Push appends one increment and returns the fragments that are now safe to
// emit, in order.
func (f *Framer) Push(chunk string) []string {
	f.buffer += chunk

	var out []string
	for {
		kind, start, end := scan(f.buffer)

		switch kind {
		case scanNone:
			if f.buffer != "" {
				out = append(out, f.buffer)
				f.buffer = ""
			}
			return out

		case scanPartial:
			if start > 0 {
				out = append(out, f.buffer[:start])
				f.buffer = f.buffer[start:]
			}
			return out

		case scanComplete:
			out = append(out, f.rm.RevealResource(f.buffer[:end]))
			f.buffer = f.buffer[end:]
			// keep scanning the remainder: it may hold another
			// complete match or a trailing partial
		}
	}
}

// Flush emits whatever is still buffered, even an unfinished partial match.
// Call once on input exhaustion.
func (f *Framer) Flush() string {
	rest := f.buffer
	f.buffer = ""
	return rest
}

// scan finds, left to right, the earliest point of interest in buf: a
// complete pattern (returning its start and end) or a viable partial match
// reaching the end of buf (returning its start).
func scan(buf string) (scanKind, int, int) {
	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case '<':
			kind, end := matchTagAt(buf, i)
			if kind == scanComplete {
				return scanComplete, i, end
			}
			if kind == scanPartial {
				return scanPartial, i, 0
			}
		case 'd', 'D':
			kind, end := matchDataURIAt(buf, i)
			if kind == scanComplete {
				return scanComplete, i, end
			}
			if kind == scanPartial {
				return scanPartial, i, 0
			}
		}
	}
	return scanNone, 0, 0
}

// matchTagAt matches <name ...>...</name> or <name .../> with buf[i] == '<'.
// Tag names fold case, so <FILE> is held back the same as <file>.
func matchTagAt(buf string, i int) (scanKind, int) {
	rest := buf[i+1:]

	for _, name := range tagNames {
		if len(rest) < len(name) {
			if hasPrefixFold(name, rest) {
				return scanPartial, 0
			}
			continue
		}
		if !hasPrefixFold(rest, name) {
			continue
		}

		k := i + 1 + len(name)
		if k == len(buf) {
			// boundary character not seen yet
			return scanPartial, 0
		}
		if isWordChar(buf[k]) {
			continue
		}

		// attributes: anything up to the first '>'
		g := strings.IndexByte(buf[k:], '>')
		if g < 0 {
			return scanPartial, 0
		}
		g += k

		if buf[g-1] == '/' {
			return scanComplete, g + 1
		}

		closing := "</" + name + ">"
		idx := indexFold(buf[g+1:], closing)
		if idx < 0 {
			return scanPartial, 0
		}
		return scanComplete, g + 1 + idx + len(closing)
	}

	return scanNone, 0
}

// matchDataURIAt matches data:<mime>;base64,<payload> with buf[i] == 'd'.
// A URI reaching the end of buf is always partial: more payload could arrive.
func matchDataURIAt(buf string, i int) (scanKind, int) {
	const prefix = "data:"
	rest := buf[i:]

	if len(rest) < len(prefix) {
		if hasPrefixFold(prefix, rest) {
			return scanPartial, 0
		}
		return scanNone, 0
	}
	if !hasPrefixFold(rest, prefix) {
		return scanNone, 0
	}

	// mime type: one or more chars other than ';' and ','
	p := i + len(prefix)
	q := p
	for q < len(buf) && buf[q] != ';' && buf[q] != ',' {
		q++
	}
	if q == len(buf) {
		return scanPartial, 0
	}
	if q == p || buf[q] == ',' {
		return scanNone, 0
	}

	const marker = ";base64,"
	if q+len(marker) > len(buf) {
		if hasPrefixFold(marker, buf[q:]) {
			return scanPartial, 0
		}
		return scanNone, 0
	}
	if !strings.EqualFold(buf[q:q+len(marker)], marker) {
		return scanNone, 0
	}

	// payload: one or more base64 chars, then optional '=' padding
	b := q + len(marker)
	r := b
	for r < len(buf) && isBase64Char(buf[r]) {
		r++
	}
	if r == len(buf) {
		return scanPartial, 0
	}
	if r == b {
		return scanNone, 0
	}
	for r < len(buf) && buf[r] == '=' {
		r++
	}
	if r == len(buf) {
		return scanPartial, 0
	}
	return scanComplete, r
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func indexFold(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

func isWordChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

func isBase64Char(c byte) bool {
	return c == '+' || c == '/' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
