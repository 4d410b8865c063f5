package consent

import (
	"strings"
	"unicode"
)

// Keyword is the consent meaning of an inbound message.
type Keyword int

const (
	KeywordNone Keyword = iota
	KeywordRevoke
	KeywordHelp
	KeywordGrant
)

func (k Keyword) String() string {
	switch k {
	case KeywordRevoke:
		return "revoke"
	case KeywordHelp:
		return "help"
	case KeywordGrant:
		return "grant"
	default:
		return "none"
	}
}

// Vocabulary holds the alias sets recognised for each keyword. Product
// vocabularies such as PAUSE/RESUME are added here explicitly, never implied.
type Vocabulary struct {
	Revoke []string
	Help   []string
	Grant  []string
}

// DefaultVocabulary is the carrier-standard STOP/HELP/START set.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Revoke: []string{"STOP", "STOPALL", "UNSUBSCRIBE", "CANCEL", "END", "QUIT", "REMOVE"},
		Help:   []string{"HELP"},
		Grant:  []string{"START", "RESUME"},
	}
}

// Parse classifies body. Revoke wins over grant when an alias appears in both.
func (v Vocabulary) Parse(body string) Keyword {
	word := Normalize(body)
	if word == "" {
		return KeywordNone
	}
	switch {
	case contains(v.Revoke, word):
		return KeywordRevoke
	case contains(v.Help, word):
		return KeywordHelp
	case contains(v.Grant, word):
		return KeywordGrant
	default:
		return KeywordNone
	}
}

// Normalize keeps only letters and digits and upper-cases them, so "Stop." and
// " s t o p " both become "STOP".
func Normalize(body string) string {
	var b strings.Builder
	for _, r := range body {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

func contains(set []string, word string) bool {
	for _, alias := range set {
		if Normalize(alias) == word {
			return true
		}
	}
	return false
}
