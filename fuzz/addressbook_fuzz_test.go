package fuzz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-multiaddr"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/addressbook"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// FuzzAddressBookFile loads arbitrary bytes as an address book file. A
// corrupted file must never fail the open or panic.
func FuzzAddressBookFile(f *testing.F) {
	dir := f.TempDir()
	seed := filepath.Join(dir, "seed.cbor")
	book, err := addressbook.New(seed)
	if err != nil {
		f.Fatal(err)
	}
	id, err := crypto.GenerateIdentity()
	if err != nil {
		f.Fatal(err)
	}
	_ = book.AddPeer(id.PeerID(), []multiaddr.Multiaddr{multiaddr.StringCast("/ip4/127.0.0.1/udp/7420")})
	if err := book.Flush(); err != nil {
		f.Fatal(err)
	}
	_ = book.Close()
	if raw, err := os.ReadFile(seed); err == nil {
		f.Add(raw)
	}

	empty, _ := cbor.Marshal(map[string]any{"version": 1})
	f.Add(empty)
	wrongVersion, _ := cbor.Marshal(map[string]any{"version": 99})
	f.Add(wrongVersion)
	f.Add([]byte{})
	f.Add([]byte{0xa1, 0x61})
	f.Add([]byte("{\"version\":1}"))

	f.Fuzz(func(t *testing.T, data []byte) {
		path := filepath.Join(t.TempDir(), "peers.cbor")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
		b, err := addressbook.New(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer b.Close()
		for _, e := range b.ListAllPeers() {
			if e.PeerID == "" {
				t.Fatal("entry without peer id")
			}
		}
	})
}
