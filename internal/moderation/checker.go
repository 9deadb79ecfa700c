// Package moderation classifies messages against community rules, keeps a
// per-author violation ledger and escalates repeat offenders.
package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/config"
	"github.com/qooode/solbot/internal/oracle"
)

const moderationTemperature = 0.1

// Verdict is the oracle's classification of one message. The zero value is
// "no violation".
type Verdict struct {
	Violates              bool     `json:"violates_rules"`
	RuleViolated          string   `json:"rule_violated"`
	Explanation           string   `json:"explanation"`
	Severity              Severity `json:"severity"`
	AlternativeSuggestion string   `json:"alternative_suggestion"`
}

type Checker struct {
	oracle  oracle.Completer
	cfg     func() config.ModerationConfig
	timeout time.Duration
	logger  *zap.Logger
}

type CheckerOptions struct {
	Oracle oracle.Completer
	// Config is read on every check so reloads apply immediately.
	Config  func() config.ModerationConfig
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewChecker(opts CheckerOptions) *Checker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = func() config.ModerationConfig { return config.ModerationConfig{} }
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultModerationTimeoutMs) * time.Millisecond
	}
	return &Checker{
		oracle:  opts.Oracle,
		cfg:     cfg,
		timeout: timeout,
		logger:  logger.Named("moderation"),
	}
}

// Check classifies content. Disabled moderation, an exempt author or empty
// content return no violation without contacting the oracle. Oracle failures
// and unparsable replies also return no violation.
func (c *Checker) Check(ctx context.Context, content, authorID string, authorRoles []string) Verdict {
	cfg := c.cfg()
	if !cfg.Enabled || strings.TrimSpace(content) == "" {
		return Verdict{}
	}
	if IsExempt(authorRoles, cfg.ExemptRoles) {
		c.logger.Debug("author exempt from moderation", zap.String("author", authorID))
		return Verdict{}
	}

	rules := cfg.Rules
	if len(rules) == 0 {
		rules = config.DefaultRules
	}
	prompt := fullPrompt(content, rules)
	if IsShortMessage(content) {
		prompt = shortPrompt(content, rules)
	}

	req := oracle.Prompt(prompt).WithTemperature(moderationTemperature)
	reply, err := oracle.Ask(ctx, c.oracle, c.timeout, req)
	if err != nil {
		c.logger.Warn("moderation oracle failed", zap.String("author", authorID), zap.Error(err))
		return Verdict{}
	}
	v, err := parseVerdict(reply)
	if err != nil {
		c.logger.Debug("moderation reply unparsable", zap.String("author", authorID), zap.Error(err))
		return Verdict{}
	}
	return v
}

// IsShortMessage is true for at most two words and under 15 characters.
func IsShortMessage(content string) bool {
	return len(strings.Fields(content)) <= 2 && utf8.RuneCountInString(content) < 15
}

// IsExempt matches role ids or names, names case-insensitively.
func IsExempt(roles, exempt []string) bool {
	for _, r := range roles {
		for _, e := range exempt {
			if r == e || strings.EqualFold(r, e) {
				return true
			}
		}
	}
	return false
}

// verdictDetail holds the free-text parts of a verdict. violates_rules is
// read separately because models sometimes quote it.
type verdictDetail struct {
	RuleViolated          string `json:"rule_violated"`
	Explanation           string `json:"explanation"`
	Severity              string `json:"severity"`
	AlternativeSuggestion string `json:"alternative_suggestion"`
}

func parseVerdict(reply string) (Verdict, error) {
	violates, err := oracle.Field(reply, "violates_rules")
	if err != nil {
		return Verdict{}, err
	}
	if !violates.Bool() {
		return Verdict{}, nil
	}
	d, err := oracle.Decode[verdictDetail](reply)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{
		Violates:              true,
		RuleViolated:          strings.TrimSpace(d.RuleViolated),
		Explanation:           strings.TrimSpace(d.Explanation),
		Severity:              ParseSeverity(strings.ToLower(strings.TrimSpace(d.Severity))),
		AlternativeSuggestion: strings.TrimSpace(d.AlternativeSuggestion),
	}
	if v.RuleViolated == "" {
		v.RuleViolated = "community rules"
	}
	return v, nil
}

func numbered(rules []string) string {
	var b strings.Builder
	for i, r := range rules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}
	return b.String()
}

const seriousViolations = `SERIOUS VIOLATIONS TO WATCH FOR:
1. Actively promoting jailbreaking of devices or software
2. Sharing methods for piracy or copyright infringement
3. Instructions for bypassing terms of service
4. Hate speech or harassment aimed at specific people
5. Content that puts the whole community at risk
6. Extreme claims that break platform policies`

const verdictFormat = `{
  "violates_rules": true/false,
  "rule_violated": "short description of the rule broken, if any",
  "explanation": "why the message breaks it, if it does",
  "severity": "low/medium/high",
  "alternative_suggestion": "a legitimate alternative to suggest, if any"
}`

func fullPrompt(content string, rules []string) string {
	return fmt.Sprintf(`Decide whether a chat message breaks the community rules. Judge intent and context, and do not interrupt normal conversation over minor issues.

COMMUNITY RULES:
%s
MESSAGE TO REVIEW:
%q

%s

GUIDELINES:
1. Distinguish discussing a topic from actively promoting a violation.
2. Questions about features, addons or modifications are fine unless they request or share rule-breaking methods.
3. Flag only content that encourages or instructs others to break the rules.
4. Casual profanity not aimed at anyone is fine.
5. Mentioning that you found, want or are downloading something is fine unless it promotes unofficial sources.
6. For misinformation, flag and suggest factual context.
7. For requests about illegal or TOS-breaking activity, flag and suggest a legal alternative.

Respond with this JSON:
%s`, numbered(rules), content, seriousViolations, verdictFormat)
}

func shortPrompt(content string, rules []string) string {
	return fmt.Sprintf(`Decide whether this short chat message clearly breaks the community rules.

MESSAGE: %q

COMMUNITY RULES:
%s
%s

Only flag an obvious violation. Give ambiguous short messages the benefit of the doubt.

Respond with this JSON:
%s`, content, numbered(rules), seriousViolations, verdictFormat)
}
