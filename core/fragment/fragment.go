// Package fragment implements C4: splitting a serialized application
// message into fixed-size Fragments, and reassembling Fragments back into
// a message, tolerant of out-of-order arrival and duplicates (§4.4).
//
// Pure data and algorithms — no logging, no locks, no I/O.
package fragment

import (
	"errors"

	"github.com/meshnet-sim/overlay/core/meshnet"
)

// ErrEmptyMessage is returned by Split when given a zero-length payload.
// The minimum message has one fragment; an empty message is disallowed
// at this layer (§4.4 Fragmentation).
var ErrEmptyMessage = errors.New("fragment: message must be non-empty")

// Split breaks a serialized message into a sequence of Fragments of at
// most meshnet.FragmentPayloadSize bytes, all sharing a single session.
// total_n_fragments = ceil(len/128), and is always >= 1.
func Split(payload []byte) ([]meshnet.Fragment, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyMessage
	}

	size := meshnet.FragmentPayloadSize
	total := (len(payload) + size - 1) / size

	frags := make([]meshnet.Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(payload))
		frags = append(frags, meshnet.NewFragment(i, total, payload[start:end]))
	}
	return frags, nil
}

// ErrMalformed is returned by Reassembler.Add when a fragment violates
// its own declared bounds (§4.4: "If length > 128 or fragment_index >=
// total_n_fragments, the fragment is malformed and rejected").
var ErrMalformed = errors.New("fragment: malformed fragment rejected")

// Reassembler accumulates Fragments for one session_id, keyed by
// fragment_index, and reports completion once every index in
// [0, total_n_fragments) has arrived (§4.4 Reassembly).
type Reassembler struct {
	byIndex map[int][]byte
	total   int // -1 until the first fragment sets it
}

// NewReassembler creates an empty Reassembler for a single session.
func NewReassembler() *Reassembler {
	return &Reassembler{byIndex: make(map[int][]byte), total: -1}
}

// Add records a fragment. Out-of-order arrival and exact duplicates
// (same index, overwrite) are both tolerated. Returns ErrMalformed
// without mutating state if the fragment violates its own bounds.
func (r *Reassembler) Add(f meshnet.Fragment) error {
	if f.Length > meshnet.FragmentPayloadSize || f.FragmentIndex < 0 || f.FragmentIndex >= f.TotalNFragments {
		return ErrMalformed
	}
	if r.total == -1 {
		r.total = f.TotalNFragments
	}
	data := make([]byte, f.Length)
	copy(data, f.Bytes())
	r.byIndex[f.FragmentIndex] = data
	return nil
}

// Complete reports whether every fragment index in [0, total) has arrived.
func (r *Reassembler) Complete() bool {
	if r.total <= 0 {
		return false
	}
	return len(r.byIndex) == r.total
}

// Count returns the number of distinct fragment indices received so far.
func (r *Reassembler) Count() int {
	return len(r.byIndex)
}

// Total returns the expected total fragment count, or -1 if no fragment
// has arrived yet.
func (r *Reassembler) Total() int {
	return r.total
}

// ErrIncomplete is returned by Assemble when not all fragments have
// arrived yet.
var ErrIncomplete = errors.New("fragment: reassembly incomplete")

// Assemble concatenates fragments by ascending index into the full byte
// stream. Returns ErrIncomplete if Complete() is false.
func (r *Reassembler) Assemble() ([]byte, error) {
	if !r.Complete() {
		return nil, ErrIncomplete
	}
	out := make([]byte, 0, r.total*meshnet.FragmentPayloadSize)
	for i := 0; i < r.total; i++ {
		out = append(out, r.byIndex[i]...)
	}
	return out, nil
}
