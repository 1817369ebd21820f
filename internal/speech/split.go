package speech

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const defaultMaxPartLength = 200

var sentenceEnd = regexp.MustCompile(`([.!?…]+["')\]]*)\s+`)

// SplitParts cuts text into parts of at most limit bytes, preferring sentence
// boundaries, then word boundaries. Whitespace is collapsed.
func SplitParts(text string, limit int) []string {
	if limit <= 0 {
		limit = defaultMaxPartLength
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}

	var (
		parts []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	add := func(piece string) {
		if cur.Len() > 0 && cur.Len()+1+len(piece) > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(piece)
	}

	for _, sentence := range splitSentences(text) {
		if len(sentence) <= limit {
			add(sentence)
			continue
		}
		for _, word := range strings.Fields(sentence) {
			if len(word) <= limit {
				add(word)
				continue
			}
			flush()
			parts = append(parts, chunkRunes(word, limit)...)
		}
	}
	flush()
	return parts
}

func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringSubmatchIndex(text, -1) {
		// loc[3] is the end of the punctuation group; the rest is whitespace.
		out = append(out, text[last:loc[3]])
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, text[last:])
	}
	return out
}

func chunkRunes(word string, limit int) []string {
	var out []string
	for len(word) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(word[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(word)
		}
		out = append(out, word[:cut])
		word = word[cut:]
	}
	if word != "" {
		out = append(out, word)
	}
	return out
}
