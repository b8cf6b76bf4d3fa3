package fuzz

import (
	"bytes"
	"testing"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// FuzzTCPFraming feeds arbitrary streams to the length-delimited reader
// used by the TCP fallback transport.
func FuzzTCPFraming(f *testing.F) {
	f.Add([]byte{0x00})
	f.Add([]byte{0x05, 'h', 'e', 'l', 'l', 'o'})
	f.Add([]byte{0x02, 'h', 'i', 0x03, 'b', 'y', 'e'})
	f.Add([]byte{0x80, 0x80})
	f.Add([]byte{0x05, 'h', 'e', 'l'})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		iter := cramberry.NewMessageIterator(bytes.NewReader(data))
		total := 0
		var msg []byte
		for iter.Next(&msg) {
			total += len(msg)
		}
		if total > len(data) {
			t.Fatalf("read %d payload bytes from %d input bytes", total, len(data))
		}
	})
}

// FuzzTCPFramingRoundTrip checks that a datagram written by the sender
// side comes back unchanged.
func FuzzTCPFramingRoundTrip(f *testing.F) {
	f.Add([]byte("datagram"))
	f.Add([]byte{0x00})
	f.Add(bytes.Repeat([]byte{0xAB}, 1400))

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) == 0 {
			return
		}
		var buf bytes.Buffer
		w := cramberry.NewStreamWriter(&buf)
		in := data
		if err := w.WriteDelimited(&in); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
		iter := cramberry.NewMessageIterator(&buf)
		var out []byte
		if !iter.Next(&out) {
			t.Fatalf("read back failed: %v", iter.Err())
		}
		if !bytes.Equal(in, out) {
			t.Fatalf("got %x, want %x", out, in)
		}
	})
}
