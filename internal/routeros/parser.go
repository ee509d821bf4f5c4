package routeros

import (
	"regexp"
	"strings"
)

// Record status values derived from the marker line flags.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Record is one item of a "print detail" reply.
type Record struct {
	ID      string            `json:"id"`      // Print index or internal id from the marker line
	Flags   string            `json:"flags"`   // Flag letters from the marker line, e.g. "XD"
	Status  string            `json:"status"`  // active or disabled
	Comment string            `json:"comment"` // Text from the ";;;" line
	Fields  map[string]string `json:"fields"`  // key=value properties with quotes removed
}

// Get returns the field value for key. Keys match with '-' and '_' interchangeable.
func (r Record) Get(key string) string {
	if v, ok := r.Fields[key]; ok {
		return v
	}
	if v, ok := r.Fields[strings.ReplaceAll(key, "_", "-")]; ok {
		return v
	}
	return r.Fields[strings.ReplaceAll(key, "-", "_")]
}

// Disabled reports whether the record carries the X flag.
func (r Record) Disabled() bool {
	return r.Status == StatusDisabled
}

var markerPattern = regexp.MustCompile(`^\s*([0-9]+|\*[0-9A-Fa-f]+)(\s|$)`)

// ParseRecords converts a "print detail" reply into records. A record starts
// with a marker line (index, optional flags, properties) and continues until a
// blank line or the next marker. An empty reply yields no records.
func ParseRecords(text string) []Record {
	var (
		records []Record
		cur     *Record
	)
	flush := func() {
		if cur != nil && (len(cur.Fields) > 0 || cur.Comment != "") {
			records = append(records, *cur)
		}
		cur = nil
	}

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimRight(raw, " \t\r")
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "Flags:") || strings.HasPrefix(trimmed, "Columns:") {
			continue
		}

		if m := markerPattern.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Record{ID: m[1], Status: StatusActive, Fields: map[string]string{}}
			parseMarkerRest(cur, strings.TrimSpace(line[len(m[0])-len(m[2]):]))
			continue
		}

		if cur == nil {
			// Some listings omit the index; the first line of a block then
			// starts the record, optionally with an X or * marker.
			cur = &Record{Status: StatusActive, Fields: map[string]string{}}
			if strings.HasPrefix(trimmed, "X ") || trimmed == "X" {
				cur.Status = StatusDisabled
				cur.Flags = "X"
				trimmed = strings.TrimSpace(trimmed[1:])
			} else if strings.HasPrefix(trimmed, "* ") {
				trimmed = strings.TrimSpace(trimmed[1:])
			}
		}
		parseBody(cur, trimmed)
	}
	flush()
	return records
}

// parseMarkerRest consumes the flag letters following the index and then the
// properties or comment on the same line.
func parseMarkerRest(r *Record, rest string) {
	for rest != "" {
		tok, after, _ := strings.Cut(rest, " ")
		if !isFlagToken(tok) {
			break
		}
		r.Flags += tok
		rest = strings.TrimSpace(after)
	}
	if strings.Contains(r.Flags, "X") {
		r.Status = StatusDisabled
	}
	parseBody(r, rest)
}

func isFlagToken(tok string) bool {
	if tok == "" || len(tok) > 3 {
		return false
	}
	for _, c := range tok {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func parseBody(r *Record, line string) {
	if line == "" {
		return
	}
	if i := strings.Index(line, ";;;"); i >= 0 {
		before := strings.TrimSpace(line[:i])
		comment := strings.TrimSpace(line[i+3:])
		if r.Comment != "" && comment != "" {
			r.Comment += " " + comment
		} else if comment != "" {
			r.Comment = comment
		}
		r.Fields["comment"] = r.Comment
		parseBody(r, before)
		return
	}

	last := ""
	for _, tok := range tokenize(line) {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			// Values with unquoted spaces, such as timestamps, spill into
			// extra tokens that belong to the previous key.
			if last != "" {
				r.Fields[last] += " " + unquote(tok)
			}
			continue
		}
		r.Fields[key] = unquote(value)
		last = key
	}
}

// tokenize splits on whitespace outside double quotes.
func tokenize(line string) []string {
	var (
		tokens  []string
		b       strings.Builder
		inQuote bool
		escaped bool
	)
	for _, c := range line {
		switch {
		case escaped:
			b.WriteRune(c)
			escaped = false
		case c == '\\' && inQuote:
			b.WriteRune(c)
			escaped = true
		case c == '"':
			inQuote = !inQuote
			b.WriteRune(c)
		case (c == ' ' || c == '\t') && !inQuote:
			if b.Len() > 0 {
				tokens = append(tokens, b.String())
				b.Reset()
			}
		default:
			b.WriteRune(c)
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

func unquote(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		v = v[1 : len(v)-1]
		r := strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\$`, `$`, `\n`, "\n")
		return r.Replace(v)
	}
	return strings.Trim(v, `"`)
}

// ParseProperties parses "key: value" listings such as /system resource print.
func ParseProperties(text string) map[string]string {
	props := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" || strings.Contains(key, " ") {
			continue
		}
		props[key] = strings.TrimSpace(value)
	}
	return props
}
