package modelclient

import (
	"bufio"
	"io"
	"strings"
)

// ParseSSEStream scans reader for server-sent events (optionally prefixed
// with "event:" lines, always carrying "data:" lines) and newline-delimited
// bare JSON payloads — both dialects in spec §4.2 use one of these two
// shapes over the same body. handler is invoked once per event with the
// accumulated event type (empty for bare NDJSON) and joined data.
func ParseSSEStream(reader io.Reader, handler func(eventType, data string) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	flush := func() error {
		if eventType == "" && len(dataLines) == 0 {
			return nil
		}
		data := strings.Join(dataLines, "\n")
		et := eventType
		eventType, dataLines = "", nil
		if data == "" {
			return nil
		}
		return handler(et, data)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment line, ignored
		default:
			// bare NDJSON line with no "data:" prefix
			dataLines = append(dataLines, line)
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}

// diffSnapshot computes the Events produced by moving from prev to next,
// shared by both dialects since both converge on the Snapshot shape.
func diffSnapshot(prev, next Snapshot) []Event {
	var out []Event
	if delta := strings.TrimPrefix(next.ReasoningContent, prev.ReasoningContent); delta != "" {
		out = append(out, Event{Kind: EventReasoning, ReasoningDelta: delta})
	}
	if delta := strings.TrimPrefix(next.Content, prev.Content); delta != "" {
		out = append(out, Event{Kind: EventContent, ContentDelta: delta})
	}
	prevByIndex := map[int]ToolCallDelta{}
	for _, tc := range prev.ToolCalls {
		prevByIndex[tc.Index] = tc
	}
	for _, tc := range next.ToolCalls {
		before := prevByIndex[tc.Index]
		fragment := strings.TrimPrefix(tc.ArgumentsText, before.ArgumentsText)
		if fragment == "" && tc.ID == before.ID && tc.Name == before.Name {
			continue
		}
		out = append(out, Event{
			Kind:              EventToolCalls,
			ToolCallIndex:     tc.Index,
			ToolCallID:        tc.ID,
			ToolCallName:      tc.Name,
			ArgumentsFragment: fragment,
		})
	}
	return out
}
