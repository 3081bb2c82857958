package core

import "testing"

func TestValidateValuePutAllowsFirstWrite(t *testing.T) {
	if err := ValidateValuePut(nil, Value{Id: RandomId(), Data: []byte("x")}, nil); err != nil {
		t.Fatalf("expected first write to be accepted, got %v", err)
	}
}

func TestValidateValuePutRejectsStaleSequence(t *testing.T) {
	existing := Value{PublicKey: []byte("k"), SequenceNumber: 5}
	incoming := Value{PublicKey: []byte("k"), SequenceNumber: 4}
	if err := ValidateValuePut(&existing, incoming, nil); err != ErrSequenceNotMonotonicFail {
		t.Fatalf("expected ErrSequenceNotMonotonicFail, got %v", err)
	}
}

func TestValidateValuePutRejectsImmutableSubstitution(t *testing.T) {
	existing := Value{Data: []byte("original")}
	incoming := Value{Data: []byte("forged")}
	if err := ValidateValuePut(&existing, incoming, nil); err != ErrImmutableSubstitution {
		t.Fatalf("expected ErrImmutableSubstitution, got %v", err)
	}
}

func TestValidateValuePutProtectsOwnership(t *testing.T) {
	existing := Value{PublicKey: []byte("k"), SequenceNumber: 1, PrivateKey: []byte("secret")}
	incoming := Value{PublicKey: []byte("k"), SequenceNumber: 2}
	if err := ValidateValuePut(&existing, incoming, nil); err != ErrOwnershipProtected {
		t.Fatalf("expected ErrOwnershipProtected, got %v", err)
	}
}

func TestValidateValuePutCasRejectsMismatch(t *testing.T) {
	existing := Value{PublicKey: []byte("k"), SequenceNumber: 5}
	incoming := Value{PublicKey: []byte("k"), SequenceNumber: 6}
	wrong := int64(4)
	if err := ValidateValuePut(&existing, incoming, &wrong); err != ErrSequenceNotExpectedFail {
		t.Fatalf("expected ErrSequenceNotExpectedFail, got %v", err)
	}
}

func TestValidateValuePutCasAcceptsMatch(t *testing.T) {
	existing := Value{PublicKey: []byte("k"), SequenceNumber: 5}
	incoming := Value{PublicKey: []byte("k"), SequenceNumber: 6}
	right := int64(5)
	if err := ValidateValuePut(&existing, incoming, &right); err != nil {
		t.Fatalf("expected matching cas to be accepted, got %v", err)
	}
}

func TestValidateValuePutCasRejectsWhenNothingStored(t *testing.T) {
	incoming := Value{Id: RandomId(), Data: []byte("x")}
	expected := int64(1)
	if err := ValidateValuePut(nil, incoming, &expected); err != ErrSequenceNotExpectedFail {
		t.Fatalf("expected ErrSequenceNotExpectedFail against an empty slot, got %v", err)
	}
}

func TestValidatePeerPutRejectsStaleSequence(t *testing.T) {
	existing := PeerInfo{SequenceNumber: 5}
	incoming := PeerInfo{SequenceNumber: 4}
	if err := ValidatePeerPut(&existing, incoming, nil); err != ErrSequenceNotMonotonicFail {
		t.Fatalf("expected ErrSequenceNotMonotonicFail, got %v", err)
	}
}

func TestValidatePeerPutCasRejectsMismatch(t *testing.T) {
	existing := PeerInfo{SequenceNumber: 5}
	incoming := PeerInfo{SequenceNumber: 6}
	wrong := int64(1)
	if err := ValidatePeerPut(&existing, incoming, &wrong); err != ErrSequenceNotExpectedFail {
		t.Fatalf("expected ErrSequenceNotExpectedFail, got %v", err)
	}
}
