package moderation

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"lanmeet/errors"
)

const replacementChar = '*'

// TestModerator_Censor
// The dictionary uses specific words to avoid partial collisions (e.g. "is" inside "phishing").
func TestModerator_Censor(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dictionary := []string{"troll", "spammer", "phishing"}
	mod, err := NewModerator(dictionary, replacementChar, log)
	req.NoError(err)

	tests := []struct {
		name     string
		input    string
		expected string
		words    []string
	}{
		{
			name:     "Simple word and space preservation",
			input:    "That troll is back",
			expected: "That ***** is back",
			words:    []string{"troll"},
		},
		{
			name:     "Multiple occurrences and preserved spacing",
			input:    "spammer spammer spammer",
			expected: "******* ******* *******",
			words:    []string{"spammer", "spammer", "spammer"},
		},
		{
			name: "Leet speak and internal punctuation",
			// 7 (index 8) . R . 0 . L . L (index 16) -> 9 characters
			input:    "He is a 7.R.0.L.L here",
			expected: "He is a ********* here",
			words:    []string{"troll"},
		},
		{
			name:     "Uppercase and extreme noise",
			input:    "S-P-A-M-M-E-R joined",
			expected: "************* joined",
			words:    []string{"spammer"},
		},
		{
			name:     "Accents and special characters (UTF-8)",
			input:    "Un été avec un troll",
			expected: "Un été avec un *****",
			words:    []string{"troll"},
		},
		{
			name:     "Word adjacent to trailing punctuation",
			input:    "no phishing!",
			expected: "no ********!",
			words:    []string{"phishing"},
		},
		{
			name:     "Nothing to censor",
			input:    "LAN Meet is neat",
			expected: "LAN Meet is neat",
			words:    nil,
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
			words:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, words := mod.Censor(tt.input)
			req.Equal(tt.expected, content, "test=%s,", tt.name)
			req.Equal(tt.words, words, "expected=%s,words=%s", tt.expected, words)
		})
	}
}

func TestModerator_CornerCases(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	// Given a dictionary polluted with noise-only entries
	dictionary := []string{"...", ",,,", "", "troll"}

	mod, err := NewModerator(dictionary, replacementChar, log)
	req.NoError(err)

	// Then the real word is censored
	input := "The troll is safe"
	expected := "The ***** is safe"
	content, words := mod.Censor(input)
	req.Equal(expected, content)
	req.Equal([]string{"troll"}, words)

	// Then real noise stays uncensored
	input = "Hello ..."
	expected = "Hello ..."
	content, words = mod.Censor(input)
	req.Equal(expected, content)
	req.Nil(words)
}

func TestNewModerator_RejectsEmptyDictionary(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	// Given only entries that normalize to nothing
	_, err := NewModerator([]string{"...", "  ", ""}, replacementChar, log)

	// Then the automaton is refused
	req.ErrorIs(err, errors.ErrEmptyWords)
}

func TestLoadWords(t *testing.T) {
	req := require.New(t)

	// Given a words file with comments and blank lines
	path := filepath.Join(t.TempDir(), "banned.txt")
	content := "# banned words\ntroll\n\n  spammer  \n# another comment\nphishing\n"
	req.NoError(os.WriteFile(path, []byte(content), 0o600))

	// When loading it
	words, err := LoadWords(path)

	// Then only the words survive, trimmed
	req.NoError(err)
	req.Equal([]string{"troll", "spammer", "phishing"}, words)
}

func TestLoadWords_EmptyFile(t *testing.T) {
	req := require.New(t)

	path := filepath.Join(t.TempDir(), "banned.txt")
	req.NoError(os.WriteFile(path, []byte("# nothing here\n\n"), 0o600))

	_, err := LoadWords(path)
	req.ErrorIs(err, errors.ErrEmptyWords)
}
