package trie

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrie(t *testing.T, n int) (*Trie, []string) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	words := []string{"moda", "model", "modern", "mocha", "apple", "apply", "april", "zebra", "zen", "über"}
	tr := New()
	var prefixes []string
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("%s %d", words[rng.Intn(len(words))], rng.Intn(50))
		tr.Insert(p)
		for j := range []rune(p) {
			prefixes = append(prefixes, string([]rune(p)[:j+1]))
		}
	}
	return tr, prefixes
}

func TestCodecRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			tr, prefixes := sampleTrie(t, 400)

			var buf bytes.Buffer
			n, err := Encode(&buf, tr, c)
			require.NoError(t, err)
			assert.Equal(t, int64(buf.Len()), n)

			got, err := Decode(&buf)
			require.NoError(t, err)
			assert.Equal(t, tr.Len(), got.Len())
			assert.Equal(t, tr.NodeCount(), got.NodeCount())
			for _, p := range prefixes {
				require.Equal(t, tr.TopPhrases(p), got.TopPhrases(p), "prefix %q", p)
			}
			assert.Empty(t, got.TopPhrases("nope"))
		})
	}
}

func TestCodecEmptyTrie(t *testing.T) {
	var buf bytes.Buffer
	_, err := Encode(&buf, New(), CompressionLZ4)
	require.NoError(t, err)

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())
	assert.Empty(t, got.TopPhrases("a"))
}

func TestCodecDecodedPhrasesShared(t *testing.T) {
	tr := New()
	tr.Insert("apple")

	var buf bytes.Buffer
	_, err := Encode(&buf, tr, CompressionNone)
	require.NoError(t, err)
	got, err := Decode(&buf)
	require.NoError(t, err)

	a := got.root.children['a']
	assert.Same(t, a.top[0], a.children['p'].top[0])
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	blob := encoded(t, CompressionNone)
	binary.LittleEndian.PutUint32(blob[0:4], 0xdeadbeef)
	_, err := Decode(bytes.NewReader(blob))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	blob := encoded(t, CompressionNone)
	binary.LittleEndian.PutUint32(blob[4:8], 99)
	_, err := Decode(bytes.NewReader(blob))
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestDecodeRejectsCorruptBody(t *testing.T) {
	blob := encoded(t, CompressionNone)
	blob[HeaderSize+1] ^= 0xff
	_, err := Decode(bytes.NewReader(blob))
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestDecodeRejectsInflatedCounts(t *testing.T) {
	for _, tc := range []struct {
		name   string
		offset int
	}{
		{"phrase count", 12},
		{"node count", 16},
	} {
		t.Run(tc.name, func(t *testing.T) {
			blob := encoded(t, CompressionNone)
			binary.LittleEndian.PutUint32(blob[tc.offset:tc.offset+4], 1<<24)
			_, err := Decode(bytes.NewReader(blob))
			assert.ErrorIs(t, err, ErrCorruptBody)
		})
	}

	_, err := decodeBody([]byte{0, 0}, 1<<30, 1<<30, TopPhrasesPerPrefix)
	assert.ErrorIs(t, err, ErrCorruptBody)
}

func TestIsCorrupt(t *testing.T) {
	blob := encoded(t, CompressionNone)
	blob[HeaderSize] ^= 0xff
	_, err := Decode(bytes.NewReader(blob))
	assert.True(t, IsCorrupt(err))

	_, err = Decode(bytes.NewReader(blob[:HeaderSize+1]))
	require.Error(t, err)
	assert.False(t, IsCorrupt(err), "a short read may be transient")
}

func TestDecodeChecksumCoversHeader(t *testing.T) {
	blob := encoded(t, CompressionNone)
	nodes := binary.LittleEndian.Uint32(blob[16:20])
	binary.LittleEndian.PutUint32(blob[16:20], nodes+1)
	_, err := Decode(bytes.NewReader(blob))
	assert.ErrorIs(t, err, ErrChecksum)

	blob = encoded(t, CompressionZstd)
	blob[9] = 3
	_, err = Decode(bytes.NewReader(blob))
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestDecodeRejectsInflatedBodySize(t *testing.T) {
	blob := encoded(t, CompressionLZ4)
	binary.LittleEndian.PutUint32(blob[24:28], 1<<30)
	_, err := Decode(bytes.NewReader(blob))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeRejectsTruncatedBlob(t *testing.T) {
	blob := encoded(t, CompressionZstd)
	_, err := Decode(bytes.NewReader(blob[:len(blob)-3]))
	assert.Error(t, err)

	_, err = Decode(bytes.NewReader(blob[:10]))
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}

func encoded(t *testing.T, c Compression) []byte {
	t.Helper()
	tr := New()
	for _, p := range []string{"apple", "apply", "april", "banana"} {
		tr.Insert(p)
	}
	var buf bytes.Buffer
	_, err := Encode(&buf, tr, c)
	require.NoError(t, err)
	return buf.Bytes()
}
