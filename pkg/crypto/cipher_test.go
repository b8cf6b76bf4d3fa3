package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func generateRandomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestNewCipher_InvalidKeySize(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33, 64} {
		if _, err := NewCipher(make([]byte, size)); err == nil {
			t.Errorf("NewCipher(%d bytes) should fail", size)
		}
	}
}

func TestCipher_SealOpen_FrameNonce(t *testing.T) {
	c, err := NewCipher(generateRandomKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	defer c.Close()

	header := []byte{0x01, 0x00, 0x02}
	plaintext := []byte("chunk payload")
	nonce := FrameNonce(2, 77)

	sealed, err := c.Seal(nil, nonce, plaintext, header)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(sealed) != len(plaintext)+TagSize {
		t.Fatalf("sealed length = %d, want %d", len(sealed), len(plaintext)+TagSize)
	}

	opened, err := c.Open(nil, nonce, sealed, header)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: got %q", opened)
	}

	if _, err := c.Open(nil, FrameNonce(2, 78), sealed, header); err != ErrAuthentication {
		t.Errorf("wrong nonce: err = %v, want ErrAuthentication", err)
	}
	if _, err := c.Open(nil, nonce, sealed, []byte{0x02}); err != ErrAuthentication {
		t.Errorf("wrong AD: err = %v, want ErrAuthentication", err)
	}
}

func TestCipher_Open_TamperedCiphertext(t *testing.T) {
	c, _ := NewCipher(generateRandomKey(t))
	nonce := FrameNonce(0, 1)
	sealed, _ := c.Seal(nil, nonce, []byte("hello world"), nil)

	for i := range sealed {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 0x01
		if _, err := c.Open(nil, nonce, tampered, nil); err == nil {
			t.Fatalf("tampered byte %d accepted", i)
		}
	}
}

func TestFrameNonce_Layout(t *testing.T) {
	n := FrameNonce(0x0102, 0x0304050607080910)
	if len(n) != NonceSize {
		t.Fatalf("len = %d", len(n))
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x10}
	if !bytes.Equal(n[:10], want) {
		t.Errorf("prefix = %x, want %x", n[:10], want)
	}
	if !isZero(n[10:]) {
		t.Errorf("padding not zero: %x", n[10:])
	}
}

func TestCipher_EncryptDecrypt_RandomNonce(t *testing.T) {
	c, _ := NewCipher(generateRandomKey(t))
	a, err := c.Encrypt([]byte("x"), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := c.Encrypt([]byte("x"), nil)
	if bytes.Equal(a, b) {
		t.Error("two encryptions produced identical output")
	}
	pt, err := c.Decrypt(a, nil)
	if err != nil || string(pt) != "x" {
		t.Errorf("Decrypt = %q, %v", pt, err)
	}
	if _, err := c.Decrypt(a[:NonceSize], nil); err == nil {
		t.Error("short input accepted")
	}
}

func TestCipher_Close(t *testing.T) {
	key := generateRandomKey(t)
	c, _ := NewCipher(key)
	internal := c.key
	c.Close()
	c.Close()

	if !c.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
	if !isZero(internal) {
		t.Error("key copy not zeroed")
	}
	if _, err := c.Seal(nil, FrameNonce(0, 0), nil, nil); err != ErrCipherClosed {
		t.Errorf("Seal after Close: err = %v", err)
	}
}

func BenchmarkCipher_Seal1K(b *testing.B) {
	key := make([]byte, KeySize)
	c, _ := NewCipher(key)
	pt := make([]byte, 1024)
	buf := make([]byte, 0, 1024+TagSize)
	b.SetBytes(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Seal(buf[:0], FrameNonce(0, uint64(i)), pt, nil)
	}
}
