package scoring

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

// Risk levels.
const (
	LevelLow    = "LOW"
	LevelMedium = "MEDIUM"
	LevelHigh   = "HIGH"
)

const maxEntities = 20

var (
	phonePattern = regexp.MustCompile(`(?:\+|00)?\d(?:[ .-]?\d){7,13}`)
	urlPattern   = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)
)

// Input is the material scored for one page or signal.
type Input struct {
	Text string
	// URL is the target itself; a plain-http or shortened target counts as a
	// suspicious link.
	URL   string
	Links []string
}

// Assessment is the scorer output.
type Assessment struct {
	Score        int
	Level        string
	ShouldReport bool
	Categories   []pipeline.Category
	Entities     []pipeline.Entity
	Explanations []string
	Summary      string
}

// Details converts the assessment into the result message payload.
func (a Assessment) Details() pipeline.AnalysisDetails {
	return pipeline.AnalysisDetails{
		Categories:   a.Categories,
		Entities:     a.Entities,
		Summary:      a.Summary,
		Explanations: a.Explanations,
		RiskLevel:    a.Level,
	}
}

type keywordMatcher struct {
	keyword string
	pattern *regexp.Regexp
}

type compiledRule struct {
	rule     KeywordRule
	matchers []keywordMatcher
}

// Scorer applies a compiled rule set. It is safe for concurrent use.
type Scorer struct {
	rules      Rules
	keywords   []compiledRule
	shorteners []keywordMatcher
}

// New compiles rules into a Scorer.
func New(rules Rules) (*Scorer, error) {
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	s := &Scorer{rules: rules}
	for _, rule := range rules.Keywords {
		compiled := compiledRule{rule: rule}
		for _, kw := range rule.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			pattern, err := wordPattern(kw)
			if err != nil {
				return nil, fmt.Errorf("compile keyword %q: %w", kw, err)
			}
			compiled.matchers = append(compiled.matchers, keywordMatcher{keyword: strings.ToLower(kw), pattern: pattern})
		}
		s.keywords = append(s.keywords, compiled)
	}
	for _, host := range rules.Shorteners {
		pattern, err := regexp.Compile(`(?i)(?:^|[^\p{L}\p{N}.])` + regexp.QuoteMeta(host) + `/\S+`)
		if err != nil {
			return nil, fmt.Errorf("compile shortener %q: %w", host, err)
		}
		s.shorteners = append(s.shorteners, keywordMatcher{keyword: strings.ToLower(host), pattern: pattern})
	}
	return s, nil
}

// MustDefault returns a Scorer over DefaultRules.
func MustDefault() *Scorer {
	s, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return s
}

// wordPattern matches kw on Unicode word boundaries. Interior spaces match
// any run of whitespace.
func wordPattern(kw string) (*regexp.Regexp, error) {
	parts := strings.Fields(kw)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile(`(?i)(?:^|[^\p{L}\p{N}])(` + strings.Join(parts, `\s+`) + `)(?:$|[^\p{L}\p{N}])`)
}

// Score evaluates in against the rule set.
func (s *Scorer) Score(in Input) Assessment {
	var (
		a        Assessment
		total    int
		entities = newEntitySet()
	)
	fire := func(name string, weight int, explanation string, matches []string) {
		total += weight
		a.Categories = append(a.Categories, pipeline.Category{Name: name, Weight: weight, Matches: matches})
		if explanation != "" && len(a.Explanations) < s.rules.MaxExplanations {
			a.Explanations = append(a.Explanations, explanation)
		}
	}

	for _, compiled := range s.keywords {
		var matches []string
		for _, m := range compiled.matchers {
			found := m.pattern.FindStringSubmatch(in.Text)
			if found == nil {
				continue
			}
			matches = append(matches, m.keyword)
			if compiled.rule.EntityLabel != "" {
				entities.add(found[1], compiled.rule.EntityLabel)
			}
		}
		if len(matches) > 0 {
			fire(compiled.rule.Name, compiled.rule.Weight, compiled.rule.Explanation, matches)
		}
	}

	if phones := phonePattern.FindAllString(in.Text, -1); len(phones) > 0 {
		for _, p := range phones {
			entities.add(p, "PHONE")
		}
		fire(SignalPhone, s.rules.PhoneWeight, s.rules.PhoneExplanation, dedupe(phones))
	}

	if links := s.suspiciousLinks(in, entities); len(links) > 0 {
		fire(SignalLink, s.rules.LinkWeight, s.rules.LinkExplanation, links)
	}

	a.Score = pipeline.ClampScore(total)
	a.Level = s.level(a.Score)
	a.ShouldReport = a.Level != LevelLow
	a.Entities = entities.list()
	if len(a.Explanations) == 0 {
		a.Explanations = []string{s.rules.CleanExplanation}
	}
	a.Summary = summarize(a)
	return a
}

func (s *Scorer) level(score int) string {
	switch {
	case score >= s.rules.HighThreshold:
		return LevelHigh
	case score >= s.rules.MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func (s *Scorer) suspiciousLinks(in Input, entities *entitySet) []string {
	candidates := make([]string, 0, len(in.Links)+1)
	if in.URL != "" {
		candidates = append(candidates, in.URL)
	}
	candidates = append(candidates, in.Links...)
	for _, found := range urlPattern.FindAllString(in.Text, -1) {
		found = strings.TrimRight(found, ".,;:!?)")
		entities.add(found, "URL")
		candidates = append(candidates, found)
	}

	var suspicious []string
	for _, link := range candidates {
		if s.isSuspiciousLink(link) {
			suspicious = append(suspicious, link)
		}
	}
	for _, m := range s.shorteners {
		if found := m.pattern.FindString(in.Text); found != "" {
			suspicious = append(suspicious, strings.TrimLeft(found, " \t\n(\"'"))
		}
	}
	return dedupe(suspicious)
}

func (s *Scorer) isSuspiciousLink(link string) bool {
	link = strings.TrimSpace(strings.ToLower(link))
	if strings.HasPrefix(link, "http://") {
		return true
	}
	if strings.HasPrefix(link, "www.") {
		link = "https://" + link
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	for _, m := range s.shorteners {
		if host == m.keyword {
			return true
		}
	}
	return false
}

func summarize(a Assessment) string {
	if len(a.Categories) == 0 {
		return "No fraud indicator detected."
	}
	names := make([]string, len(a.Categories))
	for i, c := range a.Categories {
		names[i] = c.Name
	}
	return fmt.Sprintf("%s risk (%d/100): %s", a.Level, a.Score, strings.Join(names, ", "))
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

type entitySet struct {
	seen  map[string]struct{}
	items []pipeline.Entity
}

func newEntitySet() *entitySet {
	return &entitySet{seen: make(map[string]struct{})}
}

func (e *entitySet) add(text, label string) {
	text = strings.TrimSpace(text)
	if text == "" || len(e.items) >= maxEntities {
		return
	}
	key := label + "\x00" + strings.ToLower(text)
	if _, ok := e.seen[key]; ok {
		return
	}
	e.seen[key] = struct{}{}
	e.items = append(e.items, pipeline.Entity{Text: text, Label: label})
}

func (e *entitySet) list() []pipeline.Entity {
	if len(e.items) == 0 {
		return []pipeline.Entity{}
	}
	return e.items
}
