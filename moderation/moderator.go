package moderation

import (
	"bufio"
	"log/slog"
	"os"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"

	"lanmeet/errors"
)

// Moderator masks banned words in chat text. Matching runs on a
// normalized view of the text (lowercased, leet speak undone, noise
// stripped) so "B.4.d.g.€r" hits the same pattern as "badger", while
// replacement happens on the original runes to preserve layout.
type Moderator struct {
	machine     *goahocorasick.Machine
	replacement rune
	log         *slog.Logger
}

// NewModerator builds the Aho-Corasick automaton over the normalized
// word list. Words that normalize to nothing are skipped.
func NewModerator(words []string, replacement rune, log *slog.Logger) (*Moderator, error) {
	patterns := make([][]rune, 0, len(words))
	for _, word := range words {
		flat, _ := normalizeRunes([]rune(word))
		if len(flat) == 0 {
			continue
		}
		patterns = append(patterns, flat)
	}
	if len(patterns) == 0 {
		return nil, errors.ErrEmptyWords
	}

	machine := new(goahocorasick.Machine)
	if err := machine.Build(patterns); err != nil {
		return nil, err
	}
	log.Debug("Built moderation automaton", "words", len(patterns))
	return &Moderator{machine: machine, replacement: replacement, log: log}, nil
}

// Censor returns the text with every banned span masked, plus the
// normalized form of each word found, once per occurrence.
func (m *Moderator) Censor(text string) (string, []string) {
	flat, at := normalizeRunes([]rune(text))
	if len(flat) == 0 {
		return text, nil
	}

	spans := m.machine.MultiPatternSearch(flat, false)
	if len(spans) == 0 {
		return text, nil
	}

	masked := []rune(text)
	var found []string
	for _, span := range spans {
		start := span.Pos
		end := start + len(span.Word)
		if start < 0 || end > len(at) {
			continue
		}

		// Mask the whole original span, interior noise included.
		for i := at[start]; i <= at[end-1]; i++ {
			masked[i] = m.replacement
		}
		found = append(found, string(span.Word))
	}
	return string(masked), found
}

// normalizeRunes flattens text for matching and records, for each kept
// rune, its index in the original slice.
func normalizeRunes(text []rune) ([]rune, []int) {
	flat := make([]rune, 0, len(text))
	at := make([]int, 0, len(text))
	for i, r := range text {
		plain := unleet(r)
		if isFiller(plain) {
			continue
		}
		flat = append(flat, unicode.ToLower(plain))
		at = append(at, i)
	}
	return flat, at
}

// unleet maps the usual leet speak substitutions back to letters.
func unleet(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	case '7':
		return 't'
	default:
		return r
	}
}

// isFiller reports runes the matcher should see through.
func isFiller(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}

// LoadWords reads one banned word per line, skipping blanks and lines
// starting with '#'.
func LoadWords(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, errors.ErrEmptyWords
	}
	return words, nil
}
