package executor

import "strings"

// DoneMarker is the completion token the model emits, outside any code
// block, when the task needs no further steps.
const DoneMarker = "[DONE]"

// acceptedTags are the fence tags treated as executable command blocks.
// The model is told to tag blocks "starlark" but drifts toward "python"
// (the syntax is a subset) or no tag at all.
var acceptedTags = map[string]bool{
	"":         true,
	"starlark": true,
	"python":   true,
}

type segment struct {
	code bool
	tag  string
	text string
}

// splitFenced divides a response into prose and fenced code segments.
// A fence opened and never closed runs to the end of the text.
func splitFenced(response string) []segment {
	var segs []segment
	var cur strings.Builder
	inCode := false
	tag := ""

	flush := func() {
		text := cur.String()
		cur.Reset()
		if strings.TrimSpace(text) == "" {
			return
		}
		segs = append(segs, segment{code: inCode, tag: tag, text: text})
	}

	lines := strings.Split(response, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inCode {
				flush()
				inCode = false
				tag = ""
			} else {
				flush()
				inCode = true
				tag = strings.ToLower(strings.TrimSpace(trimmed[3:]))
			}
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return segs
}

// ExtractCommand returns the executable command in a model response: the
// concatenation of all accepted fenced code blocks, joined by a blank
// line. It returns "" when the response carries no command.
func ExtractCommand(response string) string {
	var blocks []string
	for _, seg := range splitFenced(response) {
		if seg.code && acceptedTags[seg.tag] {
			blocks = append(blocks, strings.TrimRight(seg.text, "\n"))
		}
	}
	return strings.Join(blocks, "\n\n")
}

// ExtractExplanation returns the prose outside code blocks, with the
// completion marker removed.
func ExtractExplanation(response string) string {
	var parts []string
	for _, seg := range splitFenced(response) {
		if seg.code {
			continue
		}
		text := strings.TrimSpace(StripMarker(seg.text))
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// HasDoneMarker reports whether the completion marker appears anywhere
// in a response. A marker inside a fenced block still counts; the model
// is told to emit it in prose, but a misplaced marker ending the
// workflow beats one more pointless round trip.
func HasDoneMarker(response string) bool {
	return strings.Contains(response, DoneMarker)
}

// StripMarker removes every occurrence of the completion marker.
func StripMarker(text string) string {
	return strings.ReplaceAll(text, DoneMarker, "")
}
