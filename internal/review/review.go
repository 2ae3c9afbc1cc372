// Package review owns the code-review reference grammar and message
// templates the publish workflow depends on.
package review

import (
	"fmt"
	"regexp"
	"strings"
)

// Ref identifies an existing review linked from a commit message.
type Ref struct {
	ID  string
	URL string
}

// Parser extracts a review reference out of free-text commit messages. The
// exact grammar is owned by the review service; callers treat it as opaque.
type Parser interface {
	// Parse returns nil when message references no review.
	Parse(message string) *Ref
}

// referenceLine matches the trailing metadata line a review service stamps
// onto a landed or staged commit, e.g. "Differential Revision: https://x/D42".
var referenceLine = regexp.MustCompile(`(?m)^Differential Revision:\s*(\S+)\s*$`)

// DefaultParser parses "Differential Revision:" metadata lines.
type DefaultParser struct{}

func (DefaultParser) Parse(message string) *Ref {
	m := referenceLine.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	url := m[1]
	id := url
	if i := strings.LastIndex(url, "/"); i >= 0 && i < len(url)-1 {
		id = url[i+1:]
	}
	return &Ref{ID: id, URL: url}
}

// UpdateTemplate synthesizes the publish message offered when updating an
// existing review. Sending it unedited is a "nothing to update" condition.
func UpdateTemplate(ref *Ref) string {
	return fmt.Sprintf("Updating %s: describe your changes here", ref.ID)
}
