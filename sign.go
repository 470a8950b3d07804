package derecho

import (
	cryrand "crypto/rand"
	"fmt"
	"os"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/glycerine/blake3"
	"github.com/tchajed/marshal"
)

// SignatureSize is the byte length of one version signature; the
// SST signatures column reserves this much per subgroup when
// signing is enabled.
const SignatureSize = ed25519.SignatureSize

// Signer signs locally persisted versions and verifies shard
// peers' signatures, driving the verified frontier. A nil Signer
// disables the feature (signature column width zero, the signed
// frontier tracks the persisted one, and the verified frontier
// stays at InvalidVersion).
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// LoadSigner reads the 32-byte ed25519 seed from
// PERS/private_key_file. A missing path disables signing (nil
// Signer, nil error). A present but unreadable or short file is a
// configuration error.
func LoadSigner(path string) (*Signer, error) {
	if path == "" {
		return nil, nil
	}
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, cfgErrf("PERS/private_key_file", "cannot read %q: %v", path, err)
	}
	if len(seed) < ed25519.SeedSize {
		return nil, cfgErrf("PERS/private_key_file", "%q holds %v bytes; need a %v byte seed", path, len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return &Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// NewEphemeralSigner makes a throwaway key pair; used by tests and
// by nodes that want verification wiring without provisioned keys.
func NewEphemeralSigner() *Signer {
	pub, priv, err := ed25519.GenerateKey(cryrand.Reader)
	panicOn(err)
	return &Signer{priv: priv, pub: pub}
}

func (s *Signer) PublicKey() []byte {
	return append([]byte{}, s.pub...)
}

// versionDigest is what gets signed: a blake3 hash binding the
// subgroup, version, timestamp and payload.
func versionDigest(sub SubgroupID, version Version, timestamp uint64, payload []byte) []byte {
	h := blake3.New(32, nil)
	bs := marshal.WriteInt32(nil, uint32(sub))
	bs = marshal.WriteInt(bs, uint64(version))
	bs = marshal.WriteInt(bs, timestamp)
	h.Write(bs)
	h.Write(payload)
	return h.Sum(nil)
}

// Sign produces the signature for one persisted version.
func (s *Signer) Sign(sub SubgroupID, version Version, timestamp uint64, payload []byte) []byte {
	return ed25519.Sign(s.priv, versionDigest(sub, version, timestamp, payload))
}

// Verify checks a peer's signature over a version digest (the
// local log's digest for that version), against the peer's public
// key from the view.
func Verify(peerPub []byte, digest []byte, sig []byte) error {
	if len(peerPub) != ed25519.PublicKeySize {
		return fmt.Errorf("derecho: bad public key length %v", len(peerPub))
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("derecho: bad signature length %v", len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(peerPub), digest, sig) {
		return fmt.Errorf("derecho: peer signature does not verify")
	}
	return nil
}
