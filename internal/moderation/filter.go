// Package moderation provides content filtering and moderation capabilities.
// It screens user turns and upstream replies against a static rule set and
// inspects recent conversation history for circumvention attempts.
package moderation

import (
	"fmt"
	"regexp"
	"strings"

	goaway "github.com/TwiN/go-away"
	"github.com/rs/zerolog/log"
)

// Reasons reported by the single-text stages.
const (
	ReasonLanguageNotSupported = "language not supported"
	ReasonProfanity            = "content contains profanity"
	ReasonHarmfulIntent        = "content contains potentially harmful intent"
)

// profanityLexicon is the word list checked by the profanity stage.
var profanityLexicon = []string{
	"fuck", "shit", "bitch", "cunt", "asshole",
	"motherfucker", "bastard", "dickhead", "wanker",
}

// profanityFalsePositives are words that contain a lexicon entry but are
// not profane.
var profanityFalsePositives = []string{"scunthorpe", "shitake"}

const harmfulVerbs = `(?:kill|hurt|harm|attack|destroy|damage|murder|assassinate)`

// intentRules flag a harmful verb aimed at a person, or an intent marker
// followed by a harmful verb. Assistant replies routinely refuse such
// requests in similar words, so these only apply to user turns.
var intentRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b` + harmfulVerbs + `\s+(?:someone|people|person|humans?)\b`),
	regexp.MustCompile(`(?i)\b(?:want|going|plan)\s+to\s+` + harmfulVerbs + `\b`),
	regexp.MustCompile(`(?i)\bhow\s+to\s+` + harmfulVerbs + `\b`),
}

// Options configures a Filter.
type Options struct {
	ForbiddenWords     []string
	Rules              []Rule // compiled rules; nil selects DefaultRules
	MultiLanguage      bool
	SupportedLanguages []string
	Detector           LanguageDetector // nil selects WhatlangDetector
}

// filterStage pairs a check with the stage name used for reporting.
type filterStage struct {
	name  Stage
	check func(text string, role Role) (Verdict, bool)
}

// Filter classifies single texts. It is immutable after construction and
// safe for concurrent use.
type Filter struct {
	words     []string
	rules     []Rule
	profanity *goaway.ProfanityDetector
	detector  LanguageDetector
	supported map[string]struct{}
	stages    []filterStage
}

// NewFilter builds a Filter from opts.
func NewFilter(opts Options) (*Filter, error) {
	rules := opts.Rules
	if rules == nil {
		var err error
		if rules, err = CompileRules(DefaultRules); err != nil {
			return nil, err
		}
	}
	for i := range rules {
		if rules[i].re == nil {
			return nil, fmt.Errorf("moderation: rule %d (%s) is not compiled", i+1, rules[i].Category)
		}
	}

	profanity := goaway.NewProfanityDetector().
		WithSanitizeSpaces(false).
		WithCustomDictionary(profanityLexicon, profanityFalsePositives, nil)

	f := &Filter{rules: rules, profanity: profanity}
	for _, w := range opts.ForbiddenWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			f.words = append(f.words, w)
		}
	}

	if opts.MultiLanguage {
		f.detector = opts.Detector
		if f.detector == nil {
			f.detector = WhatlangDetector{}
		}
		f.supported = make(map[string]struct{}, len(opts.SupportedLanguages))
		for _, code := range opts.SupportedLanguages {
			f.supported[strings.ToLower(code)] = struct{}{}
		}
		f.stages = append(f.stages, filterStage{StageLanguage, f.checkLanguage})
	}

	// Order matters: cheap checks first, the first match wins.
	f.stages = append(f.stages,
		filterStage{StageKeyword, f.checkKeywords},
		filterStage{StagePattern, f.checkPatterns},
		filterStage{StageProfanity, f.checkProfanity},
		filterStage{StageIntent, f.checkIntent},
	)
	return f, nil
}

// Classify runs every stage against text in order and returns the first
// filtering verdict. Empty text is never filtered. A stage that panics is
// treated as not matching.
func (f *Filter) Classify(text string, role Role) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{}
	}
	for _, st := range f.stages {
		if v, ok := f.runStage(st, text, role); ok {
			return v
		}
	}
	return Verdict{}
}

func (f *Filter) runStage(st filterStage, text string, role Role) (v Verdict, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stage", string(st.name)).Interface("panic", r).Msg("moderation stage panicked")
			v, ok = Verdict{}, false
		}
	}()
	return st.check(text, role)
}

func (f *Filter) checkLanguage(text string, _ Role) (Verdict, bool) {
	code, ok := f.detector.Detect(text)
	if !ok {
		return Verdict{}, false
	}
	if _, supported := f.supported[strings.ToLower(code)]; supported {
		return Verdict{}, false
	}
	return Verdict{Filtered: true, Reason: ReasonLanguageNotSupported, Stage: StageLanguage, Term: code}, true
}

func (f *Filter) checkKeywords(text string, _ Role) (Verdict, bool) {
	lower := strings.ToLower(text)
	for _, w := range f.words {
		if strings.Contains(lower, w) {
			return Verdict{
				Filtered: true,
				Reason:   "content contains forbidden word: " + w,
				Stage:    StageKeyword,
				Term:     w,
			}, true
		}
	}
	return Verdict{}, false
}

func (f *Filter) checkPatterns(text string, role Role) (Verdict, bool) {
	for i := range f.rules {
		r := &f.rules[i]
		if !r.appliesTo(role) || !r.Matches(text) {
			continue
		}
		return Verdict{
			Filtered: true,
			Reason:   fmt.Sprintf("content matches forbidden pattern %d (%s)", i+1, r.Category),
			Stage:    StagePattern,
			Term:     r.Category,
			Severity: r.Severity,
		}, true
	}
	return Verdict{}, false
}

func (f *Filter) checkProfanity(text string, _ Role) (Verdict, bool) {
	if !f.profanity.IsProfane(text) {
		return Verdict{}, false
	}
	return Verdict{
		Filtered: true,
		Reason:   ReasonProfanity,
		Stage:    StageProfanity,
		Term:     f.profanity.ExtractProfanity(text),
	}, true
}

func (f *Filter) checkIntent(text string, role Role) (Verdict, bool) {
	if role != RoleUser {
		return Verdict{}, false
	}
	for _, re := range intentRules {
		if m := re.FindString(text); m != "" {
			return Verdict{
				Filtered: true,
				Reason:   ReasonHarmfulIntent,
				Stage:    StageIntent,
				Term:     strings.ToLower(m),
			}, true
		}
	}
	return Verdict{}, false
}
