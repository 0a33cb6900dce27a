package synth

import (
	"sort"
	"strings"
)

var defaultReplacements = map[string]string{
	"+":  " plus ",
	"&":  " and ",
	"\n": " ",
	"\r": " ",
	"\t": " ",
	"$":  " dollar ",
	"€":  " euro ",
	"£":  " pound ",
	"¥":  " yen ",
	"@":  " at ",
	"#":  " hash ",
	"%":  " percent ",
	"=":  " equals ",
	"*":  " ",
	"~":  " ",
	"^":  " ",
	"<":  " less than ",
	">":  " greater than ",
	"|":  " ",
	"\\": " ",
	"\"": "",
	"_":  " ",
}

// Sanitizer deja el texto en una forma que los motores leen bien.
type Sanitizer struct {
	replacements map[string]string
	blocked      []string
}

func NewSanitizer() *Sanitizer {
	repl := make(map[string]string, len(defaultReplacements))
	for k, v := range defaultReplacements {
		repl[k] = v
	}
	return &Sanitizer{replacements: repl}
}

// WithReplacements adds or overrides replacements.
func (s *Sanitizer) WithReplacements(r map[string]string) *Sanitizer {
	for k, v := range r {
		s.replacements[k] = v
	}
	return s
}

// WithBlockedWords configura palabras que hacen fallar la síntesis.
func (s *Sanitizer) WithBlockedWords(words ...string) *Sanitizer {
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			s.blocked = append(s.blocked, w)
		}
	}
	return s
}

func (s *Sanitizer) Sanitize(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		if strings.HasPrefix(w, "http://") || strings.HasPrefix(w, "https://") {
			words[i] = "link"
		}
	}
	text = strings.Join(words, " ")

	keys := make([]string, 0, len(s.replacements))
	for k := range s.replacements {
		keys = append(keys, k)
	}
	// orden estable para que el resultado sea determinista
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, k, s.replacements[k])
	}
	text = strings.NewReplacer(pairs...).Replace(text)

	return strings.Join(strings.Fields(text), " ")
}

// Blocked returns the first blocked word contained in text.
func (s *Sanitizer) Blocked(text string) (string, bool) {
	if len(s.blocked) == 0 {
		return "", false
	}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		for _, b := range s.blocked {
			if w == b {
				return b, true
			}
		}
	}
	return "", false
}
