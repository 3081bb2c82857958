package core

import "fmt"

// Store is the storage contract the DHT orchestrator issues every value
// and peer read/write through (see pkg/store for the in-memory and
// badger-backed implementations). Implementations must enforce CAS-by-
// sequence-number monotonicity and ownership protection themselves so the
// orchestrator can treat every implementation identically regardless of
// backing medium.
type Store interface {
	GetValue(id Id) (*Value, error)
	// PutValue writes v. If cas is non-nil, the write is a compare-and-
	// swap: it is rejected with ErrSequenceNotExpectedFail unless the
	// currently stored sequence_number (0 if nothing is stored) equals
	// *cas.
	PutValue(v Value, cas *int64) error

	GetPeer(swarmId Id, fingerprint Id) (*PeerInfo, error)
	// PutPeer writes p, applying the same compare-and-swap rule as
	// PutValue.
	PutPeer(p PeerInfo, cas *int64) error
	GetPeers(swarmId Id, expectedSeq uint32, max int) ([]PeerInfo, error)

	Close() error
}

// ErrSequenceNotMonotonicFail is returned when a write's sequence_number is
// lower than the currently stored value's; an equal one is accepted.
var ErrSequenceNotMonotonicFail = fmt.Errorf("boson: store: sequence_number is not monotonically increasing")

// ErrSequenceNotExpectedFail is returned when a caller's expected CAS sequence
// does not match what is currently stored.
var ErrSequenceNotExpectedFail = fmt.Errorf("boson: store: cas sequence_number does not match stored value")

// ErrImmutableSubstitution is returned when an existing immutable entry
// would be overwritten with different bytes under the same id. Whether the
// bytes hash to the id is not checked here; handleStoreValue in
// core/dht.go rejects that case with ErrInvalidValue before the store is
// called.
var ErrImmutableSubstitution = fmt.Errorf("boson: store: immutable value content does not match its id")

// ErrOwnershipProtected is returned when a write would overwrite a
// locally-owned entry (one stored with a private key) with a version that
// does not carry one.
var ErrOwnershipProtected = fmt.Errorf("boson: store: existing entry is locally owned and cannot be overwritten by a remote write")

// checkCas reports ErrSequenceNotExpectedFail if cas is non-nil and does not
// equal the currently stored sequence number (0 when nothing is stored).
func checkCas(current int64, cas *int64) error {
	if cas != nil && current != *cas {
		return ErrSequenceNotExpectedFail
	}
	return nil
}

// ValidateValuePut checks the compare-and-swap, monotonicity and
// ownership rules shared by every Store implementation. existing is nil
// when no prior entry exists.
func ValidateValuePut(existing *Value, incoming Value, cas *int64) error {
	var current int64
	if existing != nil {
		current = existing.SequenceNumber
	}
	if err := checkCas(current, cas); err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if existing.IsLocallyOwned() && !incoming.IsLocallyOwned() {
		return ErrOwnershipProtected
	}
	if !incoming.IsMutable() {
		if string(existing.Data) != string(incoming.Data) {
			return ErrImmutableSubstitution
		}
		return nil
	}
	if incoming.SequenceNumber < existing.SequenceNumber {
		return ErrSequenceNotMonotonicFail
	}
	return nil
}

// ValidatePeerPut checks the compare-and-swap, monotonicity and ownership
// rules for peer advertisements, mirroring ValidateValuePut.
func ValidatePeerPut(existing *PeerInfo, incoming PeerInfo, cas *int64) error {
	var current int64
	if existing != nil {
		current = int64(existing.SequenceNumber)
	}
	if err := checkCas(current, cas); err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if existing.IsLocallyOwned() && !incoming.IsLocallyOwned() {
		return ErrOwnershipProtected
	}
	if incoming.SequenceNumber < existing.SequenceNumber {
		return ErrSequenceNotMonotonicFail
	}
	return nil
}

// PeerKey is the storage key for a peer advertisement: its swarm id and
// the advertiser's own fingerprint (peer id).
func PeerKey(swarmId, fingerprint Id) string {
	return swarmId.String() + ":" + fingerprint.String()
}
