// Package crisis implements risk assessment for user turns.
package crisis

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CarePipe/internal/models"
)

var defaultPhrases = map[models.RiskLevel][]string{
	models.RiskCritical: {
		"kill myself", "killing myself", "end my life", "ending my life", "take my own life",
		"take my life", "suicide", "suicidal", "want to die", "wanna die", "better off dead",
		"hurt myself", "hurting myself", "harm myself", "self harm", "cut myself", "cutting myself",
		"overdose", "no reason to live", "dont want to be alive", "dont want to live", "end it all",
	},
	models.RiskElevated: {
		"hopeless", "cant go on", "cant take it anymore", "no way out", "worthless",
		"burden to everyone", "nothing matters", "give up on everything", "disappear forever", "trapped",
	},
	models.RiskLow: {
		"anxious", "anxiety", "overwhelmed", "panic", "stressed", "cant sleep",
		"exhausted", "lonely", "sad", "depressed",
	},
}

// levelsBySeverity lists levels from most to least severe.
var levelsBySeverity = []models.RiskLevel{models.RiskCritical, models.RiskElevated, models.RiskLow}

// Lexicon is a static list of risk phrases grouped by level.
type Lexicon struct {
	phrases map[models.RiskLevel][]string
}

// Match is the result of scanning text against the lexicon.
type Match struct {
	Level   models.RiskLevel
	Signals []string
}

// DefaultLexicon returns the built-in phrase list.
func DefaultLexicon() *Lexicon {
	return newLexicon(defaultPhrases)
}

func newLexicon(src map[models.RiskLevel][]string) *Lexicon {
	l := &Lexicon{phrases: make(map[models.RiskLevel][]string)}
	l.add(src)
	return l
}

func (l *Lexicon) add(src map[models.RiskLevel][]string) {
	for level, list := range src {
		seen := make(map[string]bool, len(l.phrases[level]))
		for _, p := range l.phrases[level] {
			seen[p] = true
		}
		for _, raw := range list {
			p := Normalize(raw)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			l.phrases[level] = append(l.phrases[level], p)
		}
	}
}

// lexiconFile is the YAML layout of a lexicon override.
type lexiconFile struct {
	Critical []string `yaml:"critical"`
	Elevated []string `yaml:"elevated"`
	Low      []string `yaml:"low"`
}

// LoadLexicon reads additional phrases from a YAML file. Phrases extend the
// built-in list; built-in phrases cannot be removed.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read risk lexicon %s: %w", path, err)
	}
	var f lexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse risk lexicon %s: %w", path, err)
	}
	l := DefaultLexicon()
	l.add(map[models.RiskLevel][]string{
		models.RiskCritical: f.Critical,
		models.RiskElevated: f.Elevated,
		models.RiskLow:      f.Low,
	})
	return l, nil
}

// Size returns the number of phrases at level.
func (l *Lexicon) Size(level models.RiskLevel) int {
	return len(l.phrases[level])
}

// Scan matches text against every phrase. Signals are ordered most severe first.
func (l *Lexicon) Scan(text string) Match {
	m := Match{Level: models.RiskNone}
	padded := " " + Normalize(text) + " "
	if strings.TrimSpace(padded) == "" {
		return m
	}
	for _, level := range levelsBySeverity {
		for _, p := range l.phrases[level] {
			if strings.Contains(padded, " "+p+" ") {
				m.Signals = append(m.Signals, p)
				m.Level = models.MoreSevere(m.Level, level)
			}
		}
	}
	return m
}

// Normalize lowercases text, drops apostrophes and collapses everything that
// is not a letter or digit into single spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
