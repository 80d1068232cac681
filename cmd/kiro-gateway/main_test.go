package main

import (
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestIsAddrInUse_MatchesSyscallError(t *testing.T) {
	opErr := &net.OpError{Err: &os.SyscallError{Syscall: "bind", Err: syscall.EADDRINUSE}}
	if !isAddrInUse(opErr) {
		t.Fatalf("expected isAddrInUse to match a wrapped EADDRINUSE")
	}
}

func TestIsAddrInUse_FallsBackToStringMatch(t *testing.T) {
	if !isAddrInUse(errors.New("listen tcp 127.0.0.1:8089: bind: address already in use")) {
		t.Fatalf("expected string fallback to match")
	}
}

func TestIsAddrInUse_UnrelatedErrorReturnsFalse(t *testing.T) {
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatalf("did not expect match for unrelated error")
	}
}

func TestPortOccupantHint_MalformedAddrStillReturnsAHint(t *testing.T) {
	hint := portOccupantHint("not-a-valid-addr")
	if hint == "" {
		t.Fatalf("expected a non-empty hint even for a malformed address")
	}
}
