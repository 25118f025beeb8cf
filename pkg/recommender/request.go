package recommender

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedRequest is returned for change requests that cannot be decoded or validated. A
// malformed request never touches the engine state.
var ErrMalformedRequest = errors.New("malformed change request")

// NewMalformedRequestError wraps a decoding or validation failure.
func NewMalformedRequestError(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
}

// Change is the kind of a change request.
type Change string

const (
	Add    Change = "Add"
	Remove Change = "Remove"
)

// Tuple is a pair of 32 bit ids: (user, item) for interactions, (query, item) for queries.
type Tuple [2]uint32

// UnmarshalJSON decodes a tuple from a JSON array of exactly two unsigned integers.
func (t *Tuple) UnmarshalJSON(data []byte) error {
	var ids []uint32
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	if len(ids) != 2 {
		return fmt.Errorf("expected a pair of ids, got %d elements", len(ids))
	}
	*t = Tuple{ids[0], ids[1]}
	return nil
}

// ChangeRequest adds or removes a batch of interactions or queries.
type ChangeRequest struct {
	Change       Change  `json:"change"`
	Interactions []Tuple `json:"interactions,omitempty"`
	Queries      []Tuple `json:"queries,omitempty"`
}

// ParseChangeRequest decodes and validates a JSON change request. Errors wrap
// ErrMalformedRequest.
func ParseChangeRequest(data []byte) (*ChangeRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	req := &ChangeRequest{}
	if err := dec.Decode(req); err != nil {
		return nil, NewMalformedRequestError(err)
	}
	if dec.More() {
		return nil, NewMalformedRequestError(errors.New("trailing data after request"))
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

// Validate checks that the request has a known change kind and exactly one payload. An explicitly
// empty payload is valid.
func (r *ChangeRequest) Validate() error {
	switch r.Change {
	case Add, Remove:
	default:
		return NewMalformedRequestError(fmt.Errorf("unknown change %q", r.Change))
	}
	if (r.Interactions == nil) == (r.Queries == nil) {
		return NewMalformedRequestError(errors.New("exactly one of interactions or queries must be given"))
	}
	return nil
}

// Multiplicity returns the multiplicity the request applies to its tuples.
func (r *ChangeRequest) Multiplicity() int64 {
	if r.Change == Remove {
		return -1
	}
	return 1
}

// MarshalJSON encodes the request, keeping an empty payload distinguishable from a missing one.
func (r ChangeRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Change       Change   `json:"change"`
		Interactions *[]Tuple `json:"interactions,omitempty"`
		Queries      *[]Tuple `json:"queries,omitempty"`
	}{
		Change:       r.Change,
		Interactions: optional(r.Interactions),
		Queries:      optional(r.Queries),
	})
}

func optional(ts []Tuple) *[]Tuple {
	if ts == nil {
		return nil
	}
	return &ts
}
