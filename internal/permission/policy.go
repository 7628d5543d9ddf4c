package permission

import (
	"fmt"
	"path"
	"strings"

	"github.com/iambrandonn/powblocks/internal/task"
)

// Mode is what a policy does with a prompt.
type Mode string

const (
	ModeAllow  Mode = "allow"
	ModeDeny   Mode = "deny"
	ModePrompt Mode = "prompt"
)

// ParseMode accepts a mode name in any case. Empty means prompt.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAllow:
		return ModeAllow, nil
	case ModeDeny:
		return ModeDeny, nil
	case ModePrompt, "":
		return ModePrompt, nil
	default:
		return "", fmt.Errorf("unknown permission mode %q (want allow, deny or prompt)", s)
	}
}

// Rule matches prompts by API and optionally by capability name. Both are
// shell patterns as understood by path.Match, so "net.*" or "*" work.
type Rule struct {
	API  string `mapstructure:"api" yaml:"api"`
	Name string `mapstructure:"name" yaml:"name,omitempty"`
	Mode Mode   `mapstructure:"mode" yaml:"mode"`
}

func (r Rule) matches(p task.PermissionPrompt) bool {
	if !match(r.API, p.APIName) {
		return false
	}
	return r.Name == "" || match(r.Name, p.Name)
}

func match(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// Policy decides prompts without asking the user. The first matching rule
// wins; prompts no rule matches get Default.
type Policy struct {
	Default Mode   `mapstructure:"default" yaml:"default"`
	Rules   []Rule `mapstructure:"rules" yaml:"rules,omitempty"`
}

// Mode returns what the policy does with a prompt.
func (p Policy) Mode(prompt task.PermissionPrompt) Mode {
	mode := p.Default
	for _, r := range p.Rules {
		if r.matches(prompt) {
			mode = r.Mode
			break
		}
	}
	m, err := ParseMode(string(mode))
	if err != nil {
		return ModePrompt
	}
	return m
}

// Validate checks modes and patterns.
func (p Policy) Validate() error {
	if _, err := ParseMode(string(p.Default)); err != nil {
		return fmt.Errorf("permissions.default: %w", err)
	}
	for i, r := range p.Rules {
		if r.API == "" {
			return fmt.Errorf("permissions.rules[%d]: api is required (use \"*\" to match every API)", i)
		}
		if _, err := path.Match(r.API, ""); err != nil {
			return fmt.Errorf("permissions.rules[%d]: bad api pattern %q: %w", i, r.API, err)
		}
		if _, err := path.Match(r.Name, ""); err != nil {
			return fmt.Errorf("permissions.rules[%d]: bad name pattern %q: %w", i, r.Name, err)
		}
		if r.Mode == "" {
			return fmt.Errorf("permissions.rules[%d]: mode is required", i)
		}
		if _, err := ParseMode(string(r.Mode)); err != nil {
			return fmt.Errorf("permissions.rules[%d]: %w", i, err)
		}
	}
	return nil
}
