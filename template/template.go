// Package template renders reminder subjects and bodies from stored
// templates. Placeholders use the {NAME} form, doubled braces escape a
// literal brace. Rendering is strict: referencing a placeholder the engine
// does not provide fails the render, and all missing names are reported at
// once so a template can be fixed in one pass.
package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateFormat is the layout used for {SENT_DATE} and {REMINDER_DATE}.
const DateFormat = "02/01/2006 15:04"

// Known lists every placeholder name a render provides.
var Known = []string{
	"ATTEMPT",
	"DAYS_SINCE",
	"RECIPIENT",
	"REMINDER_DATE",
	"SENDER",
	"SENT_DATE",
	"SUBJECT",
}

// Data carries the values substituted into a template.
type Data struct {
	Recipient    string
	Subject      string
	Sender       string
	SentDate     time.Time
	ReminderDate time.Time
	Attempt      int
	DaysSince    int
}

func (d Data) values() map[string]string {
	return map[string]string{
		"RECIPIENT":     d.Recipient,
		"SUBJECT":       d.Subject,
		"SENDER":        d.Sender,
		"SENT_DATE":     d.SentDate.Format(DateFormat),
		"REMINDER_DATE": d.ReminderDate.Format(DateFormat),
		"ATTEMPT":       strconv.Itoa(d.Attempt),
		"DAYS_SINCE":    strconv.Itoa(d.DaysSince),
	}
}

// Error reports placeholders a template references but the renderer does not
// provide. Missing preserves first-reference order without duplicates.
type Error struct {
	Template string
	Missing  []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("template %q references unknown placeholders: %s",
		e.Template, strings.Join(e.Missing, ", "))
}

// Render substitutes placeholders in text. A {NAME} token in uppercase form
// that is not a known placeholder fails the render; tokens that do not look
// like placeholders ({x}, {}, unmatched braces) pass through verbatim so
// templates can contain incidental braces.
func Render(name, text string, data Data) (string, error) {
	values := data.values()

	var b strings.Builder
	b.Grow(len(text))

	var missing []string
	seen := make(map[string]struct{})

	for i := 0; i < len(text); {
		switch text[i] {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(text[i:], '}')
			if end < 0 {
				b.WriteString(text[i:])
				i = len(text)
				continue
			}
			token := text[i+1 : i+end]
			if value, ok := values[token]; ok {
				b.WriteString(value)
			} else if isPlaceholderName(token) {
				if _, dup := seen[token]; !dup {
					seen[token] = struct{}{}
					missing = append(missing, token)
				}
			} else {
				b.WriteString(text[i : i+end+1])
			}
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			b.WriteByte('}')
			i++
		default:
			b.WriteByte(text[i])
			i++
		}
	}

	if len(missing) > 0 {
		return "", &Error{Template: name, Missing: missing}
	}
	return b.String(), nil
}

// Validate checks that text only references known placeholders. Used when a
// template is created or updated so a bad template is rejected before a
// reminder is due.
func Validate(name, text string) error {
	_, err := Render(name, text, Data{})
	return err
}

// Placeholders returns the known placeholder names referenced by text, in
// sorted order.
func Placeholders(text string) []string {
	known := make(map[string]struct{}, len(Known))
	for _, k := range Known {
		known[k] = struct{}{}
	}

	found := make(map[string]struct{})
	for i := 0; i < len(text); {
		if text[i] != '{' {
			i++
			continue
		}
		if i+1 < len(text) && text[i+1] == '{' {
			i += 2
			continue
		}
		end := strings.IndexByte(text[i:], '}')
		if end < 0 {
			break
		}
		token := text[i+1 : i+end]
		if _, ok := known[token]; ok {
			found[token] = struct{}{}
		}
		i += end + 1
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// isPlaceholderName reports whether token has the shape of a placeholder:
// uppercase letters, digits and underscores, starting with a letter.
func isPlaceholderName(token string) bool {
	if token == "" {
		return false
	}
	if token[0] < 'A' || token[0] > 'Z' {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}
