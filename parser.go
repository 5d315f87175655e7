package penguin

import "strings"

// actionTags is the closed set of tags the parser recognizes, longest
// first so "execute_command" wins over "execute" at the same offset.
var actionTags = []ActionType{
	ActionExecuteCommand,
	ActionPerplexity,
	ActionSpawnSubAgent,
	ActionResumeSubAgent,
	ActionStopSubAgent,
	ActionFinishResponse,
	ActionFinishTask,
	ActionWriteToFile,
	ActionCreateFile,
	ActionApplyDiff,
	ActionReadFile,
	ActionDelegate,
	ActionExecute,
	ActionSearch,
}

// ParseActions extracts typed actions from assistant text. The grammar is
// tag-delimited: each action is a balanced <tag>payload</tag> with tag
// drawn from the closed set. Scanning is left-to-right, non-overlapping,
// tolerant of surrounding prose. Unknown tags are ignored; an unclosed
// known tag is skipped. Parsing never fails — malformed JSON payloads are
// surfaced as errors at execution time, which keeps the loop
// forward-progressing when the model emits partial XML-like syntax.
func ParseActions(text string) []Action {
	var actions []Action
	pos := 0
	for pos < len(text) {
		open := strings.IndexByte(text[pos:], '<')
		if open < 0 {
			break
		}
		open += pos

		tag, ok := tagAt(text, open)
		if !ok {
			pos = open + 1
			continue
		}
		bodyStart := open + len(tag) + 2 // past "<tag>"
		closing := "</" + string(tag) + ">"
		closeIdx := strings.Index(text[bodyStart:], closing)
		if closeIdx < 0 {
			// Unclosed tag: skip past the opener and keep scanning.
			pos = bodyStart
			continue
		}
		closeIdx += bodyStart
		actions = append(actions, Action{
			Type:    tag,
			Payload: text[bodyStart:closeIdx],
			Start:   open,
			End:     closeIdx + len(closing),
		})
		pos = closeIdx + len(closing)
	}
	return actions
}

// tagAt matches a known opening tag at offset i (which points at '<').
func tagAt(text string, i int) (ActionType, bool) {
	rest := text[i+1:]
	for _, tag := range actionTags {
		name := string(tag)
		if strings.HasPrefix(rest, name) && len(rest) > len(name) && rest[len(name)] == '>' {
			return tag, true
		}
	}
	return "", false
}
