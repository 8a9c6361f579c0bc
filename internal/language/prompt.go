package language

import "fmt"

var instructions = map[string]string{
	Spanish: "[IMPORTANT: Respond in Spanish. Use the chess terminology from the glossary source. " +
		"Keep all chess notation (Nf3, O-O, exd5) in standard algebraic notation - do not translate moves. " +
		"Translate piece names when explaining: 'el caballo en f3' but notation stays 'Nf3'.]\n\n",
}

var names = map[string]string{
	English: "English",
	Spanish: "Spanish",
}

// BuildPrompt prepends the response-language instruction for target.
// English and unsupported targets return question unchanged. userWritesIn
// is the detected language of the question and may be empty.
func BuildPrompt(question, target, userWritesIn string) string {
	target = Normalize(target)
	instruction, ok := instructions[target]
	if !ok {
		return question
	}
	if userWritesIn != "" && userWritesIn != Unknown && userWritesIn != target {
		from, to := names[userWritesIn], names[target]
		if from == "" {
			from = userWritesIn
		}
		instruction += fmt.Sprintf("[Note: The user wrote in %s but prefers responses in %s.]\n\n", from, to)
	}
	return instruction + question
}

// Supported reports whether answers can be steered into code.
func Supported(code string) bool {
	code = Normalize(code)
	if code == English {
		return true
	}
	_, ok := instructions[code]
	return ok
}
