// Package codec turns entity clones into self-contained byte buffers
// suitable for durable notification payloads, and back. Encoding happens
// under the producer lock (it touches nothing but the clone in hand);
// decoding happens on the delivery path and never touches the producer
// store, which is what lets the deployment engine transmit without
// holding any producer-side lock.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/golang/snappy"

	"trustgraph/notifyd/internal/model"
)

// entityEnvelope tags the JSON payload with the concrete entity type so
// DecodeEntity can reconstruct the right Go value.
type entityEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	typeIdentity = "identity"
	typeTrust    = "trust"
	typeScore    = "score"
)

// EncodeEntity serializes an entity clone to a snappy-compressed JSON
// envelope. A nil entity encodes to a nil buffer, matching the
// "old/new may be null" contract for Changed notifications.
func EncodeEntity(e model.Entity) ([]byte, error) {
	if isNilEntity(e) {
		return nil, nil
	}

	var typ string
	switch e.(type) {
	case *model.Identity:
		typ = typeIdentity
	case *model.Trust:
		typ = typeTrust
	case *model.Score:
		typ = typeScore
	default:
		return nil, fmt.Errorf("codec: unsupported entity type %T", e)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal entity: %w", err)
	}
	envelope, err := json.Marshal(entityEnvelope{Type: typ, Data: data})
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope: %w", err)
	}
	return snappy.Encode(nil, envelope), nil
}

// DecodeEntity reverses EncodeEntity. A nil or empty buffer decodes to a
// nil entity.
func DecodeEntity(buf []byte) (model.Entity, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	raw, err := snappy.Decode(nil, buf)
	if err != nil {
		return nil, fmt.Errorf("codec: snappy decode: %w", err)
	}
	var envelope entityEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("codec: unmarshal envelope: %w", err)
	}

	var entity model.Entity
	switch envelope.Type {
	case typeIdentity:
		v := &model.Identity{}
		if err := json.Unmarshal(envelope.Data, v); err != nil {
			return nil, fmt.Errorf("codec: unmarshal identity: %w", err)
		}
		entity = v
	case typeTrust:
		v := &model.Trust{}
		if err := json.Unmarshal(envelope.Data, v); err != nil {
			return nil, fmt.Errorf("codec: unmarshal trust: %w", err)
		}
		entity = v
	case typeScore:
		v := &model.Score{}
		if err := json.Unmarshal(envelope.Data, v); err != nil {
			return nil, fmt.Errorf("codec: unmarshal score: %w", err)
		}
		entity = v
	default:
		return nil, fmt.Errorf("codec: unknown entity type %q", envelope.Type)
	}
	return entity, nil
}

// isNilEntity catches the typed-nil case (e.g. a nil *model.Identity
// passed as model.Entity), where e == nil is false because the interface
// still carries a concrete type.
func isNilEntity(e model.Entity) bool {
	if e == nil {
		return true
	}
	v := reflect.ValueOf(e)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// Equal reports whether two encoded payloads are byte-for-byte identical.
// It compares the raw buffers and does not decode them.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
