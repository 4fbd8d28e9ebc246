// Package prompt builds single-turn prompts in the chat-markup dialect a
// model family expects.
package prompt

import (
	"strings"
)

// Dialect is a chat-markup style.
type Dialect int

const (
	// ChatML is the generic turn-delimited style and the fallback.
	ChatML Dialect = iota
	// Instruct is the bracketed instruction style used by Mistral models.
	Instruct
	// Llama3 is the three-part role-header style.
	Llama3
	// Gemma is the start/end-of-turn token style.
	Gemma
)

func (d Dialect) String() string {
	switch d {
	case Instruct:
		return "instruct"
	case Llama3:
		return "llama3"
	case Gemma:
		return "gemma"
	default:
		return "chatml"
	}
}

// DetectDialect matches the model name against known family markers.
// Unmatched names use ChatML.
func DetectDialect(model string) Dialect {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "mistral"), strings.Contains(name, "mixtral"):
		return Instruct
	case strings.Contains(name, "llama-3"), strings.Contains(name, "llama3"):
		return Llama3
	case strings.Contains(name, "gemma"):
		return Gemma
	default:
		return ChatML
	}
}

// Build renders system and user text for model in its detected dialect.
func Build(model, system, user string) string {
	return BuildDialect(DetectDialect(model), system, user)
}

// BuildDialect renders system and user text in dialect d. An empty system
// prompt omits the system section.
func BuildDialect(d Dialect, system, user string) string {
	var b strings.Builder
	switch d {
	case Instruct:
		b.WriteString("[INST] ")
		if system != "" {
			b.WriteString(system)
			b.WriteString("\n\n")
		}
		b.WriteString(user)
		b.WriteString(" [/INST]")
	case Llama3:
		b.WriteString("<|begin_of_text|>")
		if system != "" {
			b.WriteString("<|start_header_id|>system<|end_header_id|>\n\n")
			b.WriteString(system)
			b.WriteString("<|eot_id|>")
		}
		b.WriteString("<|start_header_id|>user<|end_header_id|>\n\n")
		b.WriteString(user)
		b.WriteString("<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n")
	case Gemma:
		// Gemma has no system role; the system text is prepended to the user turn.
		b.WriteString("<start_of_turn>user\n")
		if system != "" {
			b.WriteString(system)
			b.WriteString("\n\n")
		}
		b.WriteString(user)
		b.WriteString("<end_of_turn>\n<start_of_turn>model\n")
	default:
		if system != "" {
			b.WriteString("<|im_start|>system\n")
			b.WriteString(system)
			b.WriteString("<|im_end|>\n")
		}
		b.WriteString("<|im_start|>user\n")
		b.WriteString(user)
		b.WriteString("<|im_end|>\n<|im_start|>assistant\n")
	}
	return b.String()
}

// NativeStopStrings are handed to native generators so they stop at the
// common end-of-turn tokens.
var NativeStopStrings = []string{"<|im_end|>", "<|eot_id|>", "<|im_start|>"}

// EndOfTurnMarkers are removed from streamed output and end the turn.
var EndOfTurnMarkers = []string{"<|im_end|>", "<|eot_id|>", "<|im_start|>assistant", "<|end|>", "<end_of_turn>"}
