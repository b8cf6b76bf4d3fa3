package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is a node's long-term key pair together with its derived peer ID
// and the X25519 form of the key used for static Diffie-Hellman.
//
// Identity is safe for concurrent use.
type Identity struct {
	mu         sync.RWMutex
	private    ed25519.PrivateKey
	public     ed25519.PublicKey
	x25519Priv []byte
	x25519Pub  []byte
	id         peer.ID
	closed     bool
}

// GenerateIdentity creates a new random identity.
func GenerateIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	return NewIdentity(priv)
}

// NewIdentity wraps an existing Ed25519 private key. The caller keeps
// ownership of priv; Close wipes only the derived X25519 scalar.
func NewIdentity(priv ed25519.PrivateKey) (*Identity, error) {
	if err := ValidateEd25519PrivateKey(priv); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)

	xPriv, err := Ed25519PrivateToX25519(priv)
	if err != nil {
		return nil, err
	}
	xPub, err := Ed25519PublicToX25519(pub)
	if err != nil {
		SecureZero(xPriv)
		return nil, err
	}
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		SecureZero(xPriv)
		return nil, err
	}

	return &Identity{
		private:    priv,
		public:     pub,
		x25519Priv: xPriv,
		x25519Pub:  xPub,
		id:         id,
	}, nil
}

// PeerID returns the identity's peer ID.
func (i *Identity) PeerID() peer.ID {
	return i.id
}

// PublicKey returns the Ed25519 public key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.public
}

// PrivateKey returns the Ed25519 private key.
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.private
}

// X25519PublicKey returns a copy of the static X25519 public key.
func (i *Identity) X25519PublicKey() []byte {
	out := make([]byte, len(i.x25519Pub))
	copy(out, i.x25519Pub)
	return out
}

// StaticDH computes DH(static, remoteX25519).
func (i *Identity) StaticDH(remoteX25519 []byte) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, fmt.Errorf("identity closed")
	}
	return ComputeX25519SharedSecret(i.x25519Priv, remoteX25519)
}

// Sign signs msg with the Ed25519 key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.private, msg)
}

// Close wipes the derived X25519 private scalar.
func (i *Identity) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	SecureZero(i.x25519Priv)
}

// PeerIDFromPublicKey derives the peer ID of an Ed25519 public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) (peer.ID, error) {
	pk, err := lcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	id, err := peer.IDFromPublicKey(pk)
	if err != nil {
		return "", fmt.Errorf("failed to derive peer ID: %w", err)
	}
	return id, nil
}

// PublicKeyFromPeerID extracts the Ed25519 public key embedded in id.
func PublicKeyFromPeerID(id peer.ID) (ed25519.PublicKey, error) {
	pk, err := id.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("cannot extract public key from %s: %w", id, err)
	}
	if pk.Type() != lcrypto.Ed25519 {
		return nil, fmt.Errorf("peer %s does not use an Ed25519 key", id)
	}
	raw, err := pk.Raw()
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyPeer checks that pub belongs to id and that sig is a valid
// signature of msg under pub.
func VerifyPeer(id peer.ID, pub ed25519.PublicKey, msg, sig []byte) error {
	if err := ValidateEd25519PublicKey(pub); err != nil {
		return err
	}
	derived, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return err
	}
	if derived != id {
		return fmt.Errorf("public key does not match peer %s", id)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrAuthentication
	}
	return nil
}
