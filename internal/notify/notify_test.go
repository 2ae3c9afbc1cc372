package notify

import (
	"bytes"
	"testing"

	"diffview/shared/types"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

var _ shared.Notifier = (*Terminal)(nil)
var _ shared.Notifier = (*Logging)(nil)

func TestTerminal(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	n := NewTerminal(&buf)

	n.Info("fetching diff")
	n.Success("Committed changes")
	n.Error("Publish failed", "service unavailable")
	n.Error("Commit aborted", "")

	out := buf.String()
	assert.Contains(t, out, "fetching diff\n")
	assert.Contains(t, out, "✓ Committed changes\n")
	assert.Contains(t, out, "✗ Publish failed: service unavailable\n")
	assert.Contains(t, out, "✗ Commit aborted\n")
}
