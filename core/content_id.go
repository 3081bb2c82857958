package core

import (
	cid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ImmutableValueId derives the id an immutable Value must carry: the
// digest of its content's sha2-256 multihash, computed the same way an
// IPFS CIDv1 over raw bytes would address it.
func ImmutableValueId(data []byte) (Id, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return Id{}, err
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return Id{}, err
	}
	return IdOf(decoded.Digest)
}

// ImmutableValueCid returns the CIDv1 (raw codec, sha2-256) addressing
// data, for CLI/debug display alongside the raw Id.
func ImmutableValueCid(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}
