// Package voice maps a requested voice id and language onto a synthesis
// mode by looking for reference recordings in a voices directory.
//
// Reference files are named {voice}_{language}.wav or {voice}.wav. The
// language-specific file wins. An explicitly requested voice with no file
// is an error; only a request without a voice id falls back to a built-in
// speaker.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/adamkimmins/polybot/pkg/provider/tts"
)

const (
	wavExt = ".wav"

	// maxSuggestions caps the "did you mean" list on NotFoundError.
	maxSuggestions = 3

	// suggestionThreshold is the minimum Jaro-Winkler similarity for a
	// directory voice to be offered as a suggestion.
	suggestionThreshold = 0.8
)

// ErrInvalidName marks a voice id or language that would not name a single
// file inside the voices directory. It is always wrapped in a
// *NotFoundError.
var ErrInvalidName = errors.New("voice: invalid voice or language name")

// NotFoundError reports an explicitly requested voice with no reference
// file. Candidates lists every path that was tried, in order.
type NotFoundError struct {
	VoiceID     string
	Language    string
	Candidates  []string
	Suggestions []string
	Err         error
}

func (e *NotFoundError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "voice %q not found for language %q", e.VoiceID, e.Language)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Candidates) > 0 {
		b.WriteString("; tried: ")
		b.WriteString(strings.Join(e.Candidates, ", "))
	}
	if len(e.Suggestions) > 0 {
		b.WriteString("; did you mean: ")
		b.WriteString(strings.Join(e.Suggestions, ", "))
	}
	return b.String()
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// Voice is one entry of the voices directory.
type Voice struct {
	// ID is the voice id as requested by clients.
	ID string `json:"id"`

	// Generic reports whether a language-independent {id}.wav exists.
	Generic bool `json:"generic"`

	// Languages lists languages with a dedicated {id}_{lang}.wav, sorted.
	Languages []string `json:"languages,omitempty"`
}

// Resolver resolves voices against a directory. It only ever stats and
// lists files; it is safe for concurrent use.
type Resolver struct {
	dir            string
	fsys           fs.FS
	defaultSpeaker string
}

// Option is a functional option for NewResolver.
type Option func(*Resolver)

// WithFS overrides the filesystem the directory is read from. Names passed
// to fsys are relative to the voices directory. Defaults to os.DirFS(dir).
func WithFS(fsys fs.FS) Option {
	return func(r *Resolver) { r.fsys = fsys }
}

// WithDefaultSpeaker sets the built-in speaker used when a request names
// neither a voice nor a speaker.
func WithDefaultSpeaker(name string) Option {
	return func(r *Resolver) { r.defaultSpeaker = name }
}

// NewResolver returns a Resolver for the voices directory dir.
func NewResolver(dir string, opts ...Option) *Resolver {
	r := &Resolver{dir: dir}
	for _, o := range opts {
		o(r)
	}
	if r.fsys == nil {
		r.fsys = osDirFS(dir)
	}
	return r
}

// Dir returns the voices directory.
func (r *Resolver) Dir() string { return r.dir }

// Candidates returns the ordered reference paths tried for voiceID and
// language, most specific first. With an empty language only the generic
// file is tried.
func (r *Resolver) Candidates(voiceID, language string) []string {
	names := candidateNames(voiceID, language)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(r.dir, n)
	}
	return out
}

// Resolve picks the synthesis mode for a request.
//
// With a voice id, the first existing candidate file is returned as a
// reference clone, and no candidate is a *NotFoundError even when a
// speaker was supplied. Without a voice id, the named speaker (or the
// default speaker) is used.
func (r *Resolver) Resolve(voiceID, language, speaker string) (tts.Mode, error) {
	if voiceID == "" {
		if speaker == "" {
			speaker = r.defaultSpeaker
		}
		return tts.BuiltInSpeaker(speaker), nil
	}

	names := candidateNames(voiceID, language)
	if slices.ContainsFunc(names, func(n string) bool { return !validName(n) }) {
		return tts.Mode{}, &NotFoundError{VoiceID: voiceID, Language: language, Err: ErrInvalidName}
	}
	for _, name := range names {
		if r.isFile(name) {
			return tts.ReferenceClone(filepath.Join(r.dir, name)), nil
		}
	}
	return tts.Mode{}, &NotFoundError{
		VoiceID:     voiceID,
		Language:    language,
		Candidates:  r.Candidates(voiceID, language),
		Suggestions: r.suggest(voiceID),
	}
}

// List returns every voice in the directory, sorted by id.
func (r *Resolver) List() ([]Voice, error) {
	matches, err := fs.Glob(r.fsys, "*"+wavExt)
	if err != nil {
		return nil, fmt.Errorf("voice: list %s: %w", r.dir, err)
	}

	byID := make(map[string]*Voice)
	get := func(id string) *Voice {
		v, ok := byID[id]
		if !ok {
			v = &Voice{ID: id}
			byID[id] = v
		}
		return v
	}
	for _, name := range matches {
		if !r.isFile(name) {
			continue
		}
		base := strings.TrimSuffix(name, wavExt)
		if base == "" {
			continue
		}
		// A name like "adam_en" may be a language file of "adam" or a
		// generic file of a voice literally called "adam_en". Both views
		// are listed so either request form resolves as shown.
		get(base).Generic = true
		if i := strings.LastIndexByte(base, '_'); i > 0 && i < len(base)-1 {
			v := get(base[:i])
			v.Languages = append(v.Languages, base[i+1:])
		}
	}

	out := make([]Voice, 0, len(byID))
	for _, v := range byID {
		sort.Strings(v.Languages)
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Check reports whether the voices directory can be read.
func (r *Resolver) Check(context.Context) error {
	if _, err := fs.ReadDir(r.fsys, "."); err != nil {
		return fmt.Errorf("voice: read %s: %w", r.dir, err)
	}
	return nil
}

// suggest returns up to maxSuggestions directory voices that look like
// voiceID. Listing errors yield no suggestions.
func (r *Resolver) suggest(voiceID string) []string {
	voices, err := r.List()
	if err != nil {
		return nil
	}
	type scored struct {
		id    string
		score float64
	}
	var hits []scored
	want := strings.ToLower(voiceID)
	for _, v := range voices {
		if !v.Generic && len(v.Languages) == 0 {
			continue
		}
		s := matchr.JaroWinkler(want, strings.ToLower(v.ID), false)
		if s >= suggestionThreshold {
			hits = append(hits, scored{id: v.ID, score: s})
		}
	}
	slices.SortStableFunc(hits, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return strings.Compare(a.id, b.id)
		}
	})
	var out []string
	for _, h := range hits {
		if len(out) == maxSuggestions {
			break
		}
		out = append(out, h.id)
	}
	return out
}

func (r *Resolver) isFile(name string) bool {
	info, err := fs.Stat(r.fsys, name)
	return err == nil && info.Mode().IsRegular()
}

func candidateNames(voiceID, language string) []string {
	if language == "" {
		return []string{voiceID + wavExt}
	}
	return []string{voiceID + "_" + language + wavExt, voiceID + wavExt}
}

// validName accepts names of a single file inside the voices directory.
func validName(name string) bool {
	if strings.ContainsAny(name, "/\\\x00") || strings.HasPrefix(name, ".") {
		return false
	}
	return fs.ValidPath(name)
}

func osDirFS(dir string) fs.FS {
	if dir == "" {
		dir = "."
	}
	return os.DirFS(dir)
}
