// Copyright 2025 StreamNative, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	"regexp"

	"github.com/pkg/errors"
)

// IsolationPolicies partitions brokers, per namespace, into primary
// (preferred owners) and shared (fallback) sets, with a threshold
// controlling when placement may spill over to the shared set.
type IsolationPolicies interface {
	IsolationPoliciesPresent(namespace string) bool

	IsPrimaryBroker(namespace string, brokerHost string) bool

	IsSharedBroker(brokerHost string) bool

	// ShouldFailoverToSecondaries reports whether the available
	// primary candidates are below the policy's minimum, in which
	// case shared brokers join the candidate set.
	ShouldFailoverToSecondaries(namespace string, primaryCandidateCount int) bool
}

// IsolationPolicyConfig is one isolation rule, matching namespaces and
// broker hosts by regular expression.
type IsolationPolicyConfig struct {
	Namespaces            []string `yaml:"namespaces" mapstructure:"namespaces"`
	Primary               []string `yaml:"primary" mapstructure:"primary"`
	MinAvailablePrimaries int      `yaml:"minAvailablePrimaries" mapstructure:"minAvailablePrimaries"`
}

type isolationPolicy struct {
	namespaces            []*regexp.Regexp
	primary               []*regexp.Regexp
	minAvailablePrimaries int
}

type staticPolicies struct {
	policies []*isolationPolicy
}

// NewStaticPolicies compiles the configured isolation rules.
func NewStaticPolicies(configs []IsolationPolicyConfig) (IsolationPolicies, error) {
	sp := &staticPolicies{}
	for _, config := range configs {
		p := &isolationPolicy{
			minAvailablePrimaries: config.MinAvailablePrimaries,
		}
		for _, pattern := range config.Namespaces {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid namespace pattern %q", pattern)
			}
			p.namespaces = append(p.namespaces, re)
		}
		for _, pattern := range config.Primary {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid primary broker pattern %q", pattern)
			}
			p.primary = append(p.primary, re)
		}
		sp.policies = append(sp.policies, p)
	}
	return sp, nil
}

// NoIsolationPolicies treats every broker as shared.
func NoIsolationPolicies() IsolationPolicies {
	return &staticPolicies{}
}

func (p *isolationPolicy) matchesNamespace(namespace string) bool {
	for _, re := range p.namespaces {
		if re.MatchString(namespace) {
			return true
		}
	}
	return false
}

func (p *isolationPolicy) matchesPrimary(brokerHost string) bool {
	for _, re := range p.primary {
		if re.MatchString(brokerHost) {
			return true
		}
	}
	return false
}

func (sp *staticPolicies) policyFor(namespace string) *isolationPolicy {
	for _, p := range sp.policies {
		if p.matchesNamespace(namespace) {
			return p
		}
	}
	return nil
}

func (sp *staticPolicies) IsolationPoliciesPresent(namespace string) bool {
	return sp.policyFor(namespace) != nil
}

func (sp *staticPolicies) IsPrimaryBroker(namespace string, brokerHost string) bool {
	p := sp.policyFor(namespace)
	return p != nil && p.matchesPrimary(brokerHost)
}

// IsSharedBroker reports whether the broker is not reserved as primary
// by any isolation rule.
func (sp *staticPolicies) IsSharedBroker(brokerHost string) bool {
	for _, p := range sp.policies {
		if p.matchesPrimary(brokerHost) {
			return false
		}
	}
	return true
}

func (sp *staticPolicies) ShouldFailoverToSecondaries(namespace string, primaryCandidateCount int) bool {
	p := sp.policyFor(namespace)
	if p == nil {
		return false
	}
	return primaryCandidateCount < p.minAvailablePrimaries
}
