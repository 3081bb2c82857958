package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"sync/atomic"
	"time"
)

// TokenTimeout is how long a rolling token-generation timestamp remains
// current before the manager advances to a fresh one.
const TokenTimeout = 5 * time.Minute

// TokenManager issues and verifies short-lived write-authorization tokens
// tied to (node, endpoint, target, time). Tokens are never
// persisted: a restart invalidates every outstanding token.
type TokenManager struct {
	secret [32]byte

	current  atomic.Int64
	previous atomic.Int64

	nowFn func() time.Time
}

// NewTokenManager builds a TokenManager with a fresh random session
// secret. The rolling timestamps are initialised lazily on first use so
// that tests may install a fake clock before any token is generated.
func NewTokenManager() *TokenManager {
	tm := &TokenManager{nowFn: time.Now}
	_, _ = rand.Read(tm.secret[:])
	return tm
}

// updateTimestamps snaps current to the start of the TokenTimeout-wide
// window containing now, and previous to the window immediately before
// it. Using window boundaries rather than a simple "now" stamp means a
// caller that touches the manager only occasionally (or not at all
// between generate and verify) still gets the documented validity window
// of [TokenTimeout, 2*TokenTimeout) relative to generation time, rather
// than an arbitrarily long one determined by when it happened to be
// polled. A compare-and-swap on current ensures concurrent callers
// collapse into a single advance.
func (tm *TokenManager) updateTimestamps() {
	windowMs := TokenTimeout.Milliseconds()
	now := tm.nowFn().UnixMilli()
	windowStart := now - now%windowMs
	cur := tm.current.Load()
	if cur == windowStart {
		return
	}
	if tm.current.CompareAndSwap(cur, windowStart) {
		tm.previous.Store(windowStart - windowMs)
	}
}

func pick4(digest [32]byte) [4]byte {
	offset := int(digest[0]) % 32
	var out [4]byte
	for i := 0; i < 4; i++ {
		out[i] = digest[(offset+i)%32]
	}
	return out
}

func (tm *TokenManager) digest(nodeId Id, ip net.IP, port uint16, target Id, ts int64) [32]byte {
	h := sha256.New()
	h.Write(nodeId[:])
	ip4 := ip.To4()
	if ip4 != nil {
		h.Write(ip4)
	} else {
		h.Write(ip.To16())
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	h.Write(portBuf[:])
	h.Write(target[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts))
	h.Write(tsBuf[:])
	h.Write(tm.secret[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func tokenFromDigest(digest [32]byte) uint32 {
	b := pick4(digest)
	return binary.BigEndian.Uint32(b[:])
}

// GenerateToken derives a token for (nodeId, ip, port, target) under the
// manager's current timestamp.
func (tm *TokenManager) GenerateToken(nodeId Id, ip net.IP, port uint16, target Id) uint32 {
	tm.updateTimestamps()
	return tokenFromDigest(tm.digest(nodeId, ip, port, target, tm.current.Load()))
}

// VerifyToken accepts a token generated under either the current or the
// previous timestamp, giving a token roughly [TokenTimeout, 2*TokenTimeout)
// of validity.
func (tm *TokenManager) VerifyToken(token uint32, nodeId Id, ip net.IP, port uint16, target Id) bool {
	tm.updateTimestamps()
	if token == tokenFromDigest(tm.digest(nodeId, ip, port, target, tm.current.Load())) {
		return true
	}
	return token == tokenFromDigest(tm.digest(nodeId, ip, port, target, tm.previous.Load()))
}
