// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package calltree

import "encoding/json"

// Encoder serializes a batch of span trees to a JSON array document.
// Implementations must emit only the child lists, never the parent links.
type Encoder interface {
	Encode(spans []*Span) ([]byte, error)
}

// JSONEncoder is the default Encoder built on encoding/json.
type JSONEncoder struct{}

// Encode serializes spans as a compact JSON array.
func (JSONEncoder) Encode(spans []*Span) ([]byte, error) {
	if spans == nil {
		spans = []*Span{}
	}
	return json.Marshal(spans)
}
