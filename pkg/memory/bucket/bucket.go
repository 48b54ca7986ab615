// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package bucket classifies (process, VMO) pairs against named rules: a
// process-name regex, a VMO-name regex, and an optional event code. Matches
// are cached per Match instance, keyed by process koid (never by process
// name — see the design note in DESIGN.md on why this is load-bearing, not
// an arbitrary choice).
package bucket

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/antimetal/memviz/pkg/memory/capture"
	memos "github.com/antimetal/memviz/pkg/memory/os"
)

// Match is a single bucket rule: a compiled, anchored process/VMO regex pair
// plus lazily populated match caches.
//
// Caches are append-only for the lifetime of a Match: koids are never reused
// within one run and VMO name strings are never removed, so a cached false
// result never needs invalidating.
type Match struct {
	Name      string
	EventCode *int64

	matchAllProcesses bool
	processRE         *regexp.Regexp
	matchAllVmos      bool
	vmoRE             *regexp.Regexp

	processCache map[memos.Koid]bool
	vmoCache     map[string]bool
}

// NewMatch compiles a rule. An empty or ".*" pattern is recognized as
// "match anything" at construction time and short-circuits at evaluation
// time without ever touching the regex engine or the cache.
func NewMatch(name, processPattern, vmoPattern string, eventCode *int64) (*Match, error) {
	m := &Match{
		Name:         name,
		EventCode:    eventCode,
		processCache: map[memos.Koid]bool{},
		vmoCache:     map[string]bool{},
	}

	if isMatchAll(processPattern) {
		m.matchAllProcesses = true
	} else {
		re, err := compileAnchored(processPattern)
		if err != nil {
			return nil, fmt.Errorf("bucket %q: process pattern: %w", name, err)
		}
		m.processRE = re
	}

	if isMatchAll(vmoPattern) {
		m.matchAllVmos = true
	} else {
		re, err := compileAnchored(vmoPattern)
		if err != nil {
			return nil, fmt.Errorf("bucket %q: vmo pattern: %w", name, err)
		}
		m.vmoRE = re
	}

	return m, nil
}

func isMatchAll(pattern string) bool {
	return pattern == "" || pattern == ".*"
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}

// ProcessMatch reports whether p.Name matches this rule's process pattern,
// consulting and populating the koid-keyed cache.
func (m *Match) ProcessMatch(p *capture.Process) bool {
	if m.matchAllProcesses {
		return true
	}
	if v, ok := m.processCache[p.Koid]; ok {
		return v
	}
	v := m.processRE.MatchString(p.Name)
	m.processCache[p.Koid] = v
	return v
}

// VmoMatch reports whether vmoName matches this rule's VMO pattern,
// consulting and populating the name-keyed cache.
func (m *Match) VmoMatch(vmoName string) bool {
	if m.matchAllVmos {
		return true
	}
	if v, ok := m.vmoCache[vmoName]; ok {
		return v
	}
	v := m.vmoRE.MatchString(vmoName)
	m.vmoCache[vmoName] = v
	return v
}

type ruleJSON struct {
	Name      *string `json:"name"`
	Process   *string `json:"process"`
	Vmo       *string `json:"vmo"`
	EventCode *int64  `json:"event_code"`
}

// ParseRules parses a JSON array of rule objects into an ordered []*Match.
// The order of the result matches the order in data; order is significant
// because rule attribution is first-match-wins (see pkg/memory/digest).
//
// Any structural problem — the top-level value isn't an array, or any
// element is missing a required field or has the wrong type — rejects the
// entire input; there is no partial result.
func ParseRules(data []byte) ([]*Match, error) {
	var raw []ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("bucket rules: %w", err)
	}

	rules := make([]*Match, 0, len(raw))
	for i, r := range raw {
		if r.Name == nil {
			return nil, fmt.Errorf("bucket rules: element %d: missing %q", i, "name")
		}
		if r.Process == nil {
			return nil, fmt.Errorf("bucket rules: element %d: missing %q", i, "process")
		}
		if r.Vmo == nil {
			return nil, fmt.Errorf("bucket rules: element %d: missing %q", i, "vmo")
		}
		m, err := NewMatch(*r.Name, *r.Process, *r.Vmo, r.EventCode)
		if err != nil {
			return nil, fmt.Errorf("bucket rules: element %d: %w", i, err)
		}
		rules = append(rules, m)
	}
	return rules, nil
}
