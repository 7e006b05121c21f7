// Package yamlfile serves per-user grade policies from a YAML file.
package yamlfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

// policyFile models the policy file:
//
//	default:
//	  grade_floor: 55
//	  grade_floor_with_effort: 65
//	users:
//	  teacher-42:
//	    grade_floor_with_effort: 70
type policyFile struct {
	Default *policyOverride           `yaml:"default"`
	Users   map[string]policyOverride `yaml:"users"`
}

type policyOverride struct {
	GradeFloor           *int `yaml:"grade_floor"`
	GradeFloorWithEffort *int `yaml:"grade_floor_with_effort"`
}

func (o policyOverride) apply(base domain.GradePolicy) domain.GradePolicy {
	if o.GradeFloor != nil {
		base.GradeFloor = *o.GradeFloor
	}
	if o.GradeFloorWithEffort != nil {
		base.GradeFloorWithEffort = *o.GradeFloorWithEffort
	}
	return base
}

// Provider is immutable after construction.
type Provider struct {
	base  domain.GradePolicy
	users map[string]domain.GradePolicy
}

// Load reads path. A missing file yields the built-in default policy for
// every user.
func Load(path string) (*Provider, error) {
	if path == "" {
		return Parse(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Parse(nil)
		}
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(raw)
}

// Parse validates every resolved policy up front.
func Parse(raw []byte) (*Provider, error) {
	var file policyFile
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse policy file", err)
		}
	}

	base := domain.DefaultGradePolicy()
	if file.Default != nil {
		base = file.Default.apply(base)
	}
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}

	users := make(map[string]domain.GradePolicy, len(file.Users))
	for userID, override := range file.Users {
		policy := override.apply(base)
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("policy for %s: %w", userID, err)
		}
		users[userID] = policy
	}
	return &Provider{base: base, users: users}, nil
}

func (p *Provider) PolicyFor(_ context.Context, userID string) (domain.GradePolicy, error) {
	if policy, ok := p.users[userID]; ok {
		return policy, nil
	}
	return p.base, nil
}
