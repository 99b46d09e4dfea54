package tasks

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Field labels, in the order they are written. Context is always last so that
// continuation lines after it belong to it.
const (
	fieldID        = "id"
	fieldProject   = "project"
	fieldCreated   = "created"
	fieldStarted   = "started"
	fieldAgent     = "agent"
	fieldBlocked   = "blocked"
	fieldCompleted = "completed"
	fieldResult    = "result"
	fieldContext   = "context"
)

var knownFields = map[string]bool{
	fieldID: true, fieldProject: true, fieldCreated: true, fieldStarted: true,
	fieldAgent: true, fieldBlocked: true, fieldCompleted: true, fieldResult: true,
	fieldContext: true,
}

// Defaults fills what a hand-edited record may leave out. A missing ID is
// derived from the record itself so it is the same on every parse.
type Defaults struct {
	Today   func() string
	Project string
}

// contextIndent prefixes every context line after the first on write.
const contextIndent = "  "

// rawBlock is one "## [Px] Title" section before default merging.
type rawBlock struct {
	priority string
	title    string
	fields   map[string]string
	body     []string
}

// Parse reads a queue document. Text before the first task heading is the
// queue header and is ignored. Malformed lines never fail the parse.
//
// Inside a context block, indented lines and blank lines are context. An
// unindented line ends the block only when it is a task heading or a
// bulleted known field; anything else is kept as context too.
func Parse(content string, d Defaults) []Task {
	var (
		blocks    []*rawBlock
		cur       *rawBlock
		inContext bool
	)

	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if inContext {
			if rest, ok := strings.CutPrefix(line, contextIndent); ok || line == "" {
				cur.fields[fieldContext] += "\n" + rest
				cur.body = append(cur.body, rest)
				continue
			}
			if _, _, heading := parseHeading(line); !heading && !isBulletedField(line) {
				cur.fields[fieldContext] += "\n" + line
				cur.body = append(cur.body, line)
				continue
			}
		}

		if prio, title, ok := parseHeading(line); ok {
			cur = &rawBlock{priority: prio, title: title, fields: map[string]string{}}
			blocks = append(blocks, cur)
			inContext = false
			continue
		}
		if cur == nil {
			continue
		}
		cur.body = append(cur.body, line)

		if key, value, ok := parseField(line); ok {
			if _, seen := cur.fields[key]; !seen {
				cur.fields[key] = value
			}
			inContext = key == fieldContext
		}
	}

	out := make([]Task, 0, len(blocks))
	seen := map[string]bool{}
	for _, b := range blocks {
		t := b.merge(d)
		if t.ID == "" {
			t.ID = b.derivedID(seen)
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}

// isBulletedField reports a "- Field:" or "* Field:" line at column 0.
func isBulletedField(line string) bool {
	if !strings.HasPrefix(line, "- ") && !strings.HasPrefix(line, "* ") {
		return false
	}
	_, _, ok := parseField(line)
	return ok
}

// derivedID hashes the record's heading and body into an 8-character id,
// salting on collision with an id already used in the same document.
func (b *rawBlock) derivedID(taken map[string]bool) string {
	for n := 0; ; n++ {
		h := fnv.New32a()
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", b.priority, b.title, strings.TrimSpace(strings.Join(b.body, "\n")), n)
		id := fmt.Sprintf("%08x", h.Sum32())
		if !taken[id] {
			return id
		}
	}
}

// merge applies the default-filling rules.
func (b *rawBlock) merge(d Defaults) Task {
	t := Task{
		ID:            b.fields[fieldID],
		Title:         b.title,
		Priority:      b.priority,
		Project:       b.fields[fieldProject],
		Created:       b.fields[fieldCreated],
		Context:       strings.TrimRight(b.fields[fieldContext], " \n"),
		AgentSession:  b.fields[fieldAgent],
		StartedAt:     b.fields[fieldStarted],
		BlockedReason: b.fields[fieldBlocked],
		CompletedAt:   b.fields[fieldCompleted],
		Result:        b.fields[fieldResult],
	}
	if t.Project == "" {
		t.Project = d.Project
	}
	if t.Created == "" && d.Today != nil {
		t.Created = d.Today()
	}
	if t.Context == "" {
		t.Context = strings.TrimSpace(strings.Join(b.body, "\n"))
	}
	return t
}

// parseHeading recognizes "## [P1] Title".
func parseHeading(line string) (priority, title string, ok bool) {
	rest, found := strings.CutPrefix(line, "## [")
	if !found {
		return "", "", false
	}
	tok, title, found := strings.Cut(rest, "]")
	if !found {
		return "", "", false
	}
	prio, err := NormalizePriority(tok)
	if err != nil {
		return "", "", false
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", "", false
	}
	return prio, title, true
}

// parseField recognizes "- Field: value", tolerating "**Field:**" and
// "**Field**:" bold markup, "*" bullets and missing bullets.
func parseField(line string) (key, value string, ok bool) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
	if !strings.HasPrefix(s, "**") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "*"))
	}

	name, value, found := strings.Cut(s, ":")
	if !found {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(strings.Trim(name, "* ")))
	if !knownFields[key] {
		return "", "", false
	}
	value = strings.TrimSpace(strings.TrimLeft(value, "* "))
	if value == "" && key != fieldContext {
		return "", "", false
	}
	return key, value, true
}

// Format renders one task block.
func Format(t Task) string {
	var b strings.Builder
	b.WriteString("## [" + t.Priority + "] " + t.Title + "\n")
	b.WriteString("- ID: " + t.ID + "\n")
	b.WriteString("- Project: " + t.Project + "\n")
	b.WriteString("- Created: " + t.Created + "\n")
	writeOptional(&b, "Started", t.StartedAt)
	writeOptional(&b, "Agent", t.AgentSession)
	writeOptional(&b, "Blocked", t.BlockedReason)
	writeOptional(&b, "Completed", t.CompletedAt)
	writeOptional(&b, "Result", t.Result)
	writeContext(&b, t.Context)
	return b.String()
}

// writeContext writes the context field, indenting continuation lines so
// that none of them reads as a heading or a field.
func writeContext(b *strings.Builder, context string) {
	lines := strings.Split(context, "\n")
	b.WriteString("- Context: " + lines[0] + "\n")
	for _, l := range lines[1:] {
		if l != "" {
			b.WriteString(contextIndent)
		}
		b.WriteString(l + "\n")
	}
}

func writeOptional(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	// Single-line fields; a newline would leak into the next field.
	value = strings.Join(strings.Fields(strings.ReplaceAll(value, "\n", " ")), " ")
	b.WriteString("- " + label + ": " + value + "\n")
}

// FormatQueue renders a whole queue document: header, blank line, task blocks.
func FormatQueue(header string, ts []Task) string {
	var b strings.Builder
	if header != "" {
		b.WriteString(header + "\n\n")
	}
	for i, t := range ts {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(Format(t))
	}
	return b.String()
}
