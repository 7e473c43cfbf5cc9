package rules

import (
	"fmt"
	"os"
	"regexp"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	sberrors "github.com/shieldgrp/shieldbot/internal/errors"
	"github.com/shieldgrp/shieldbot/resources"
)

const embeddedRulesPath = "rules/default.yml"

type Match struct {
	Category string
	Severity int
}

// LoadReport accounts for rules that failed to compile. A bad rule is
// skipped and reported; it never aborts loading the rest.
type LoadReport struct {
	Loaded  int
	Skipped []*sberrors.ConfigError
}

type compiledRule struct {
	category string
	severity int
	language string
	// keyword rules match against normalized text, raw patterns
	// against the lowercased original.
	normalized bool
	re         *regexp.Regexp
}

type index struct {
	rules []compiledRule
}

// Matcher holds the compiled rule index. Reload builds a fresh index
// and swaps it atomically; readers never observe a half-updated set.
type Matcher struct {
	index  atomic.Pointer[index]
	logger *log.Entry
}

type (
	ruleFile struct {
		Categories []categorySpec `yaml:"categories"`
	}

	categorySpec struct {
		Name     string   `yaml:"name"`
		Severity int      `yaml:"severity"`
		Language string   `yaml:"language"`
		Keywords []string `yaml:"keywords"`
		Patterns []string `yaml:"patterns"`
	}
)

func NewMatcher() *Matcher {
	m := &Matcher{logger: log.WithField("object", "Matcher")}
	m.index.Store(&index{})
	return m
}

// Load reads the rule pack from path, or the embedded default pack
// when path is empty, compiles it and swaps the active index.
func (m *Matcher) Load(path string) (*LoadReport, error) {
	var (
		data []byte
		err  error
	)
	if path == "" {
		data, err = resources.FS.ReadFile(embeddedRulesPath)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read rules")
	}
	return m.LoadBytes(data)
}

func (m *Matcher) LoadBytes(data []byte) (*LoadReport, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "unmarshal rules")
	}

	report := &LoadReport{}
	next := &index{}
	for _, category := range file.Categories {
		if category.Name == "" || category.Severity <= 0 {
			report.Skipped = append(report.Skipped, &sberrors.ConfigError{
				Item: category.Name,
				Err:  fmt.Errorf("category needs a name and a positive severity"),
			})
			continue
		}
		for _, keyword := range category.Keywords {
			normalized := Normalize(keyword)
			re, err := regexp.Compile(`(^|[^\pL\pN])` + regexp.QuoteMeta(normalized) + `($|[^\pL\pN])`)
			if err != nil {
				report.Skipped = append(report.Skipped, &sberrors.ConfigError{Item: category.Name + "/" + keyword, Err: err})
				continue
			}
			next.rules = append(next.rules, compiledRule{
				category:   category.Name,
				severity:   category.Severity,
				language:   category.Language,
				normalized: true,
				re:         re,
			})
			report.Loaded++
		}
		for _, pattern := range category.Patterns {
			re, err := regexp.Compile(`(?i)` + pattern)
			if err != nil {
				report.Skipped = append(report.Skipped, &sberrors.ConfigError{Item: category.Name + "/" + pattern, Err: err})
				continue
			}
			next.rules = append(next.rules, compiledRule{
				category: category.Name,
				severity: category.Severity,
				language: category.Language,
				re:       re,
			})
			report.Loaded++
		}
	}

	for _, skipped := range report.Skipped {
		m.logger.WithField("error", skipped.Error()).Warn("skipping rule")
	}
	if report.Loaded == 0 {
		return report, errors.New("no rules loaded")
	}

	m.index.Store(next)
	return report, nil
}

// Classify returns one match per category that fired. Language-tagged
// rules only apply when the hint matches; untagged rules always apply.
func (m *Matcher) Classify(text string, langHint string) []Match {
	if text == "" {
		return nil
	}
	idx := m.index.Load()
	normalized := Normalize(text)

	seen := map[string]int{}
	order := make([]string, 0, 4)
	for _, rule := range idx.rules {
		if rule.language != "" && rule.language != langHint {
			continue
		}
		subject := text
		if rule.normalized {
			subject = normalized
		}
		if !rule.re.MatchString(subject) {
			continue
		}
		if _, ok := seen[rule.category]; !ok {
			order = append(order, rule.category)
			seen[rule.category] = rule.severity
		}
	}

	matches := make([]Match, 0, len(order))
	for _, category := range order {
		matches = append(matches, Match{Category: category, Severity: seen[category]})
	}
	return matches
}
