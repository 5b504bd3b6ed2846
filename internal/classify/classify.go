// Package classify maps free-text call and topic labels to category codes.
package classify

import (
	"fmt"
	"strings"
)

// Code is a short category code such as STG or ADG.
type Code string

// Uncategorized is returned for labels that match no rule.
const Uncategorized Code = "UNCATEGORIZED"

// Rule maps a case-insensitive substring token to a category code.
type Rule struct {
	Token string `yaml:"token"`
	Code  Code   `yaml:"code"`
}

// Rules is a versioned, ordered rule list. Order is significant: the first
// matching token wins, and downstream counts depend on it.
type Rules struct {
	Version int    `yaml:"version"`
	Tokens  []Rule `yaml:"tokens"`
}

// Default is version 1 of the ERC call-type rules.
var Default = Rules{
	Version: 1,
	Tokens: []Rule{
		{Token: "STG", Code: "STG"},
		{Token: "ADG", Code: "ADG"},
		{Token: "POC", Code: "POC"},
		{Token: "COG", Code: "COG"},
		{Token: "SYG", Code: "SYG"},
		{Token: "CSA", Code: "CSA"},
	},
}

// Classifier classifies labels against a fixed rule list.
type Classifier struct {
	rules   Rules
	lowered []string
}

// New builds a classifier. Empty tokens are rejected since they would match
// every label.
func New(rules Rules) (*Classifier, error) {
	c := &Classifier{rules: rules, lowered: make([]string, len(rules.Tokens))}
	for i, r := range rules.Tokens {
		tok := strings.ToLower(strings.TrimSpace(r.Token))
		if tok == "" {
			return nil, fmt.Errorf("rule %d: empty token", i)
		}
		if r.Code == "" {
			return nil, fmt.Errorf("rule %d (%s): empty code", i, r.Token)
		}
		c.lowered[i] = tok
	}
	return c, nil
}

var std, _ = New(Default)

// Classify classifies a label with the default rules.
func Classify(label string) Code {
	return std.Classify(label)
}

// Of classifies a nullable label with the default rules.
func Of(label *string) Code {
	return std.Of(label)
}

// Classify returns the code of the first rule whose token occurs in label,
// or Uncategorized.
func (c *Classifier) Classify(label string) Code {
	if label == "" {
		return Uncategorized
	}
	l := strings.ToLower(label)
	for i, tok := range c.lowered {
		if strings.Contains(l, tok) {
			return c.rules.Tokens[i].Code
		}
	}
	return Uncategorized
}

// Of treats a nil label as empty.
func (c *Classifier) Of(label *string) Code {
	if label == nil {
		return Uncategorized
	}
	return c.Classify(*label)
}

// Codes lists the distinct codes in rule order followed by Uncategorized.
func (c *Classifier) Codes() []Code {
	seen := make(map[Code]bool, len(c.rules.Tokens))
	codes := make([]Code, 0, len(c.rules.Tokens)+1)
	for _, r := range c.rules.Tokens {
		if !seen[r.Code] {
			seen[r.Code] = true
			codes = append(codes, r.Code)
		}
	}
	return append(codes, Uncategorized)
}

// Rank is the position of code in Codes, used to order report columns.
// Unknown codes sort after Uncategorized.
func (c *Classifier) Rank(code Code) int {
	for i, known := range c.Codes() {
		if known == code {
			return i
		}
	}
	return len(c.rules.Tokens) + 1
}

// Version returns the rule list version.
func (c *Classifier) Version() int {
	return c.rules.Version
}
