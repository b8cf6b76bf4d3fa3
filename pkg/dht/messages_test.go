package dht

import (
	"testing"

	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

func identityInfo(t *testing.T) (*crypto.Identity, PeerInfo) {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	c := Contact{
		PeerID: id.PeerID(),
		PubKey: id.PublicKey(),
		Addrs:  []multiaddr.Multiaddr{multiaddr.StringCast("/ip4/10.0.0.1/udp/7000")},
	}
	return id, c.Info()
}

func TestSealOpen(t *testing.T) {
	id, info := identityInfo(t)
	target := randomIDInBucket(ID{}, 0)

	b, err := Seal(id, info, MsgFindNode, 42, FindNode{Target: target[:]})
	require.NoError(t, err)

	env, sender, err := Open(b)
	require.NoError(t, err)
	assert.Equal(t, MsgFindNode, env.Type)
	assert.Equal(t, uint64(42), env.TxID)
	assert.Equal(t, id.PeerID(), sender.PeerID)
	assert.Equal(t, IDFromPeer(id.PeerID()), sender.ID)
	require.NotNil(t, sender.Addr)
	assert.Equal(t, "10.0.0.1:7000", sender.Addr.String())

	var body FindNode
	require.NoError(t, env.DecodeBody(&body))
	assert.Equal(t, target[:], body.Target)
}

func TestOpenRejectsTampering(t *testing.T) {
	id, info := identityInfo(t)
	b, err := Seal(id, info, MsgAnnounce, 7, Announce{Key: make([]byte, 32), TTL: 60})
	require.NoError(t, err)

	tampered := append([]byte(nil), b...)
	tampered[len(tampered)-70] ^= 0x01
	_, _, err = Open(tampered)
	assert.Error(t, err)

	_, _, err = Open([]byte{0xff, 0x00, 0x13})
	assert.ErrorIs(t, err, ErrMalformed)

	_, _, err = Open(make([]byte, maxMessageSize+1))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOpenRejectsForeignSignature(t *testing.T) {
	_, info := identityInfo(t)
	other, _ := identityInfo(t)

	// Signed by other but claiming to be info's peer.
	b, err := Seal(other, info, MsgPing, 1, Ping{})
	require.NoError(t, err)
	_, _, err = Open(b)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestContactFromInfoRejectsMismatchedKey(t *testing.T) {
	_, a := identityInfo(t)
	_, b := identityInfo(t)
	a.PubKey = b.PubKey
	_, err := ContactFromInfo(a)
	assert.ErrorIs(t, err, ErrInvalidPeerInfo)

	a.PubKey = a.PubKey[:10]
	_, err = ContactFromInfo(a)
	assert.ErrorIs(t, err, ErrInvalidPeerInfo)
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "FIND_NODE", MsgFindNode.String())
	assert.True(t, MsgAnnounce.isRequest())
	assert.False(t, MsgNodes.isRequest())
}
