package rpc

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		MethodID:  MethodID(42),
		MessageID: NewUniqueID(),
	}

	var buf bytes.Buffer
	if err := EncodeHeader(&buf, h); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	got, err := DecodeHeader(&buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}

	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestReservedMethodIDs(t *testing.T) {
	for _, m := range []MethodID{MethodReturn, MethodRegisterSignal, MethodError} {
		if !m.IsReserved() {
			t.Fatalf("expected %v to be reserved", m)
		}
	}

	if MethodID(1).IsReserved() {
		t.Fatalf("expected method id 1 to not be reserved")
	}

	if MethodReturn == MethodRegisterSignal || MethodReturn == MethodError || MethodRegisterSignal == MethodError {
		t.Fatalf("reserved method ids must be distinct")
	}
}
