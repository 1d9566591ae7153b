package models

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff renders a line diff from the server version to the local version.
// Removed lines start with "-", added lines with "+", unchanged lines with
// two spaces. Payloads are indented JSON so field-level changes land on
// their own lines.
func (c ConflictRecord) Diff() string {
	serverText := renderVersion(c.Server)
	localText := renderVersion(c.Local)

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(serverText, localText)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var sb strings.Builder

	for _, d := range diffs {
		prefix := "  "

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffEqual:
		}

		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}

			sb.WriteString(prefix)
			sb.WriteString(line)

			if !strings.HasSuffix(line, "\n") {
				sb.WriteString("\n")
			}
		}
	}

	return sb.String()
}

func renderVersion(v Version) string {
	if v.Deleted {
		return "<deleted>\n"
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, v.Payload, "", "  "); err != nil {
		return string(v.Payload) + "\n"
	}

	buf.WriteString("\n")

	return buf.String()
}
