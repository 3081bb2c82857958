package core

import (
	"net"
	"testing"
	"time"
)

func TestTokenManagerVerifiesOwnToken(t *testing.T) {
	tm := NewTokenManager()
	node := RandomId()
	target := RandomId()
	ip := net.ParseIP("203.0.113.5")
	tok := tm.GenerateToken(node, ip, 4222, target)
	if !tm.VerifyToken(tok, node, ip, 4222, target) {
		t.Fatal("expected freshly generated token to verify")
	}
}

func TestTokenManagerRejectsWrongParameters(t *testing.T) {
	tm := NewTokenManager()
	node := RandomId()
	other := RandomId()
	target := RandomId()
	ip := net.ParseIP("203.0.113.5")
	tok := tm.GenerateToken(node, ip, 4222, target)
	if tm.VerifyToken(tok, other, ip, 4222, target) {
		t.Fatal("token must not verify for a different node id")
	}
	if tm.VerifyToken(tok, node, ip, 4223, target) {
		t.Fatal("token must not verify for a different port")
	}
}

func TestTokenManagerValidityWindow(t *testing.T) {
	tm := NewTokenManager()
	// Start exactly on a TokenTimeout window boundary so the validity
	// margins below are not at the mercy of where an arbitrary wall-clock
	// instant happens to fall within its window.
	windowMs := TokenTimeout.Milliseconds()
	cur := time.UnixMilli(1000 * windowMs)
	tm.nowFn = func() time.Time { return cur }
	node := RandomId()
	target := RandomId()
	ip := net.ParseIP("203.0.113.5")

	tok := tm.GenerateToken(node, ip, 4222, target)

	cur = cur.Add(TokenTimeout - time.Second)
	if !tm.VerifyToken(tok, node, ip, 4222, target) {
		t.Fatal("token must remain valid for at least TokenTimeout")
	}

	cur = time.UnixMilli(1000*windowMs + 2*windowMs + 1000) // total elapsed > 2*TokenTimeout
	if tm.VerifyToken(tok, node, ip, 4222, target) {
		t.Fatal("token must expire after 2*TokenTimeout of quiescent clock")
	}
}
