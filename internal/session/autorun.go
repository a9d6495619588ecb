package session

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
)

const frontmatterDelim = "---"

// ParseFrontmatter splits a linked document into its frontmatter
// key/value pairs and its body, if the document opens with a "---"
// delimited block. Only simple "key: value" lines are recognized — this
// is a deliberately minimal parser, not a YAML implementation, since
// autorun only ever needs one boolean field out of it.
func ParseFrontmatter(doc string) (fields map[string]string, body string) {
	lines := strings.Split(doc, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontmatterDelim {
		return nil, doc
	}
	fields = make(map[string]string)
	i := 1
	for ; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterDelim {
			i++
			break
		}
		k, v, ok := strings.Cut(lines[i], ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return fields, strings.TrimPrefix(strings.Join(lines[i:], "\n"), "\n")
}

// IsAutorun reports whether a document's frontmatter marks it autorun: true.
func IsAutorun(doc string) bool {
	fields, _ := ParseFrontmatter(doc)
	return fields["autorun"] == "true"
}

// TriggerAutorun runs SendMessage once for convID using the body of the
// first linkedDocuments entry (in order) whose frontmatter marks it
// autorun: true, read via readDoc. This is the hook Workspace
// Store.SetActiveWorkspace callers must invoke after switching the active
// conversation, matching the documents-drive-a-turn contract: setting a
// conversation active surfaces its autorun doc, if any, as if the user had
// sent it as the first prompt.
func (m *Manager) TriggerAutorun(ctx context.Context, convID ids.ConvId, linkedDocuments []string, readDoc func(path string) (string, error)) error {
	for _, path := range linkedDocuments {
		content, err := readDoc(path)
		if err != nil {
			continue
		}
		fields, body := ParseFrontmatter(content)
		if fields["autorun"] != "true" {
			continue
		}
		return m.SendMessage(ctx, convID, body, SendOptions{})
	}
	return nil
}
