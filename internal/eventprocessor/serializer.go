// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package eventprocessor

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Encode validates an event and marshals it to JSON.
func Encode[E any](event *E) ([]byte, error) {
	if err := validate.Struct(event); err != nil {
		return nil, fmt.Errorf("validate event: %w", err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Decode unmarshals and validates an event. Unknown fields are
// tolerated, so producers may add fields without breaking consumers.
func Decode[E any](data []byte) (*E, error) {
	var event E
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := validate.Struct(&event); err != nil {
		return nil, fmt.Errorf("validate event: %w", err)
	}
	return &event, nil
}

// DecodeStrict is Decode with unknown fields rejected. Used for
// match.request, whose contract forbids additional properties so a
// payload can never smuggle in state that should come from the store.
func DecodeStrict[E any](data []byte) (*E, error) {
	var event E
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := validate.Struct(&event); err != nil {
		return nil, fmt.Errorf("validate event: %w", err)
	}
	return &event, nil
}
