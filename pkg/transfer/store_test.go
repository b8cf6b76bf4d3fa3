package transfer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]func(t *testing.T) ResumeStore {
	return map[string]func(t *testing.T) ResumeStore{
		"memory": func(*testing.T) ResumeStore { return NewMemoryStore() },
		"bolt": func(t *testing.T) ResumeStore {
			s, err := OpenBoltStore(filepath.Join(t.TempDir(), "resume.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestResumeStore(t *testing.T) {
	for name, open := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			_, err := s.Load("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			st := &ResumeState{
				CID:       "bafk-test",
				Name:      "file.bin",
				Size:      1 << 20,
				ChunkSize: DefaultChunkSize,
				Verified:  []byte{0x0F, 0x01},
				TempPath:  "/tmp/file.bin" + partialSuffix,
				Dest:      "/tmp/file.bin",
				Updated:   time.Unix(1700000000, 0),
			}
			require.NoError(t, s.Save(st))
			st.Verified[0] = 0

			got, err := s.Load("bafk-test")
			require.NoError(t, err)
			assert.Equal(t, []byte{0x0F, 0x01}, got.Verified)
			assert.Equal(t, st.Size, got.Size)
			assert.Equal(t, st.TempPath, got.TempPath)
			assert.True(t, st.Updated.Equal(got.Updated))

			all, err := s.List()
			require.NoError(t, err)
			assert.Len(t, all, 1)

			require.NoError(t, s.Delete("bafk-test"))
			_, err = s.Load("bafk-test")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBoltStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(&ResumeState{CID: "c1", Size: 10, ChunkSize: 4, Verified: []byte{0x3}}))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Size)
	assert.Equal(t, 2, ChunkSetFromBytes(3, got.Verified).Count())
}
