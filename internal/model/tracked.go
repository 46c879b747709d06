// Copyright 2025 Tom Barlow
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

package model

import (
	"sort"
	"sync/atomic"
)

// TrackedEntity associates an entity with an attribute and the function that reduces it.
// An empty Attribute tracks every attribute of the entity.
type TrackedEntity struct {
	Identity  EntityIdentity
	Attribute string
	Function  AggregationFunc
}

type trackedIndex map[string]map[string]TrackedEntity

// TrackedSet is the set of entities supplied by the model layer.
// Reads are lock-free; Replace swaps the whole set atomically.
type TrackedSet struct {
	index atomic.Pointer[trackedIndex]
}

// NewTrackedSet creates a set holding entities.
func NewTrackedSet(entities ...TrackedEntity) *TrackedSet {
	s := &TrackedSet{}
	s.Replace(entities)
	return s
}

// Replace swaps the contents of the set. Later duplicates win.
func (s *TrackedSet) Replace(entities []TrackedEntity) {
	idx := make(trackedIndex, len(entities))
	for _, e := range entities {
		attrs, ok := idx[e.Identity.ID()]
		if !ok {
			attrs = make(map[string]TrackedEntity)
			idx[e.Identity.ID()] = attrs
		}
		attrs[e.Attribute] = e
	}
	s.index.Store(&idx)
}

func (s *TrackedSet) load() trackedIndex {
	if s == nil {
		return nil
	}
	if p := s.index.Load(); p != nil {
		return *p
	}
	return nil
}

// Known reports whether entityID is tracked at all.
func (s *TrackedSet) Known(entityID string) bool {
	_, ok := s.load()[entityID]
	return ok
}

// Lookup returns the tracking entry for an entity attribute, falling back to
// the entity's wildcard entry.
func (s *TrackedSet) Lookup(entityID, attribute string) (TrackedEntity, bool) {
	attrs, ok := s.load()[entityID]
	if !ok {
		return TrackedEntity{}, false
	}
	if e, ok := attrs[attribute]; ok {
		return e, true
	}
	e, ok := attrs[""]
	return e, ok
}

// Entities returns a sorted snapshot of the set.
func (s *TrackedSet) Entities() []TrackedEntity {
	var out []TrackedEntity
	for _, attrs := range s.load() {
		for _, e := range attrs {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.ID() != out[j].Identity.ID() {
			return out[i].Identity.ID() < out[j].Identity.ID()
		}
		return out[i].Attribute < out[j].Attribute
	})
	return out
}

// Len returns the number of tracked entity attributes.
func (s *TrackedSet) Len() int {
	n := 0
	for _, attrs := range s.load() {
		n += len(attrs)
	}
	return n
}
