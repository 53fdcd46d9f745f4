// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package eventprocessor

import (
	"fmt"

	"github.com/goccy/go-json"
)

// validatable is implemented by payload types that can check their own
// required fields before being put on the bus.
type validatable interface {
	Validate() error
}

// Serializer handles payload encoding/decoding for bus messages. It is
// generic over the pipeline payload type (ChangeEvent, ConversationAssembly,
// MLResult, DLQRecord, ...) so every stage shares one (de)serialization
// path instead of hand-rolling JSON calls at each call site.
type Serializer[T any] struct{}

// NewSerializer creates a new serializer for payload type T.
func NewSerializer[T any]() *Serializer[T] {
	return &Serializer[T]{}
}

// Marshal converts a payload to JSON bytes, validating it first when it
// implements validatable.
func (s *Serializer[T]) Marshal(payload T) ([]byte, error) {
	if v, ok := any(payload).(validatable); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("validate payload: %w", err)
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Unmarshal converts JSON bytes to a payload of type T.
func (s *Serializer[T]) Unmarshal(data []byte) (T, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

// Serialize is a convenience function that marshals a payload to JSON.
func Serialize[T any](payload T) ([]byte, error) {
	return NewSerializer[T]().Marshal(payload)
}

// Deserialize is a convenience function that unmarshals JSON to a payload.
func Deserialize[T any](data []byte) (T, error) {
	return NewSerializer[T]().Unmarshal(data)
}
