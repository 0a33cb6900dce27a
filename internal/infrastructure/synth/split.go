package synth

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxChunkLength es el máximo que aceptan los proveedores por petición.
const MaxChunkLength = 200

// SplitText corta en límites de palabra en trozos de hasta max runas. Las
// palabras más largas que max se parten en trozos de max runas.
func SplitText(text string, max int) ([]string, error) {
	if max <= 0 {
		return nil, fmt.Errorf("synth: invalid chunk length %d", max)
	}
	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, word := range strings.Fields(text) {
		wl := utf8.RuneCountInString(word)
		if wl > max {
			flush()
			runes := []rune(word)
			for start := 0; start < len(runes); start += max {
				end := start + max
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, string(runes[start:end]))
			}
			continue
		}
		extra := wl
		if curLen > 0 {
			extra++
		}
		if curLen+extra > max {
			flush()
			extra = wl
		}
		if curLen > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
		curLen += extra
	}
	flush()
	return chunks, nil
}
