// Package textnorm rewrites input text before synthesis so the engine does
// not mispronounce or mis-segment punctuation.
//
// Languages flagged as punctuation-sensitive get a rule pipeline that
// protects abbreviations, turns decimal points into commas, maps sentence
// ends and pause glyphs to breaks the model handles well, and strips
// quotes. Every other language only has its whitespace collapsed.
//
// A Normalizer is immutable after New and safe for concurrent use.
package textnorm

import (
	"cmp"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultSensitiveLanguages lists the languages that get the full pipeline
// when Rules.SensitiveLanguages is empty.
var DefaultSensitiveLanguages = []string{"it"}

// DefaultAbbreviations are protected from sentence-end rewriting when
// Rules.Abbreviations is empty.
var DefaultAbbreviations = []string{
	"Sig.ra", "Sig.", "Dott.ssa", "Dott.", "Dr.", "Prof.ssa", "Prof.", "Ing.", "Avv.",
}

// Placeholder delimiters, taken from the Unicode private use area so they
// never collide with real text.
const (
	placeholderOpen  = '\uE000'
	placeholderClose = '\uE001'
)

var (
	whitespaceRun    = regexp.MustCompile(`\s+`)
	decimalPoint     = regexp.MustCompile(`(\d)\.(\d)`)
	sentenceEnd      = regexp.MustCompile(`\.+(?:\s+|$)`)
	horizontalSpace  = regexp.MustCompile(`[^\S\n]+`)
	spaceAroundBreak = regexp.MustCompile(` *\n *`)
	excessBreaks     = regexp.MustCompile(`\n{3,}`)

	pauseGlyphs = strings.NewReplacer(
		":", ", ",
		";", ", ",
		"…", ", ",
		"•", " ",
		"◦", " ",
		"▪", " ",
		"‣", " ",
		"·", " ",
	)
	quoteGlyphs = strings.NewReplacer(
		`"`, "",
		"“", "",
		"”", "",
		"„", "",
		"‟", "",
		"«", "",
		"»", "",
		"‹", "",
		"›", "",
	)
	placeholderRunes = strings.NewReplacer(
		string(placeholderOpen), "",
		string(placeholderClose), "",
	)
)

// Rules configures a Normalizer.
type Rules struct {
	// SensitiveLanguages are the language codes that get the full rule
	// pipeline. Matching uses the primary subtag, case-insensitively.
	SensitiveLanguages []string

	// Abbreviations are literal tokens (usually ending in '.') whose periods
	// must survive sentence-end rewriting.
	Abbreviations []string
}

// abbreviationRule is one step of the protection pass.
type abbreviationRule struct {
	abbr    string
	pattern *regexp.Regexp
}

// Normalizer applies language-aware text rewrites.
type Normalizer struct {
	sensitive map[string]struct{}
	rules     []abbreviationRule
}

// New builds a Normalizer from r. Empty fields fall back to the package
// defaults. Abbreviation rules are ordered longest first, so "Sig.ra" is
// protected before "Sig." can match its prefix; ties keep their
// configured order.
func New(r Rules) *Normalizer {
	langs := r.SensitiveLanguages
	if len(langs) == 0 {
		langs = DefaultSensitiveLanguages
	}
	abbrs := r.Abbreviations
	if len(abbrs) == 0 {
		abbrs = DefaultAbbreviations
	}

	n := &Normalizer{sensitive: make(map[string]struct{}, len(langs))}
	for _, l := range langs {
		if l = primaryTag(l); l != "" {
			n.sensitive[l] = struct{}{}
		}
	}

	seen := make(map[string]bool, len(abbrs))
	ordered := make([]string, 0, len(abbrs))
	for _, a := range abbrs {
		a = strings.TrimSpace(a)
		if a == "" || seen[strings.ToLower(a)] {
			continue
		}
		seen[strings.ToLower(a)] = true
		ordered = append(ordered, a)
	}
	slices.SortStableFunc(ordered, func(a, b string) int {
		return cmp.Compare(utf8.RuneCountInString(b), utf8.RuneCountInString(a))
	})
	for _, a := range ordered {
		n.rules = append(n.rules, abbreviationRule{
			abbr:    a,
			pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(a)),
		})
	}
	return n
}

// Sensitive reports whether language gets the full rule pipeline.
func (n *Normalizer) Sensitive(language string) bool {
	_, ok := n.sensitive[primaryTag(language)]
	return ok
}

// Abbreviations returns the protected tokens in the order they are applied.
func (n *Normalizer) Abbreviations() []string {
	out := make([]string, len(n.rules))
	for i, r := range n.rules {
		out[i] = r.abbr
	}
	return out
}

// Normalize rewrites text for language. It never fails.
func (n *Normalizer) Normalize(text, language string) string {
	if !n.Sensitive(language) {
		return collapseWhitespace(text)
	}

	text = placeholderRunes.Replace(text)
	text, originals := n.protect(text)

	for decimalPoint.MatchString(text) {
		text = decimalPoint.ReplaceAllString(text, "$1,$2")
	}
	text = sentenceEnd.ReplaceAllString(text, "\n")
	text = pauseGlyphs.Replace(text)
	text = quoteGlyphs.Replace(text)

	text = restore(text, originals)

	text = horizontalSpace.ReplaceAllString(text, " ")
	text = spaceAroundBreak.ReplaceAllString(text, "\n")
	text = excessBreaks.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// protect replaces every abbreviation occurrence with a unique placeholder
// and returns the rewritten text plus the originals indexed by placeholder
// number.
func (n *Normalizer) protect(text string) (string, []string) {
	var originals []string
	for _, r := range n.rules {
		text = r.pattern.ReplaceAllStringFunc(text, func(m string) string {
			token := placeholder(len(originals))
			originals = append(originals, m)
			return token
		})
	}
	return text, originals
}

// restore swaps every placeholder back to the text it replaced.
func restore(text string, originals []string) string {
	for i, orig := range originals {
		text = strings.ReplaceAll(text, placeholder(i), orig)
	}
	return text
}

func placeholder(i int) string {
	return string(placeholderOpen) + strconv.Itoa(i) + string(placeholderClose)
}

func collapseWhitespace(text string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}

// primaryTag returns the lower-cased primary subtag of a language code:
// "it-IT" and "IT_ch" both yield "it".
func primaryTag(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(language, "-_"); i >= 0 {
		language = language[:i]
	}
	return language
}
