package trie

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Blob layout:
//
//	header (32 bytes, little endian)
//	  [0:4]   magic "PTRI"
//	  [4:8]   format version
//	  [8]     compression
//	  [9]     phrases per node (K)
//	  [10:12] reserved
//	  [12:16] phrase count
//	  [16:20] node count
//	  [20:24] uncompressed body size
//	  [24:28] stored body size
//	  [28:32] crc32 (IEEE) of header[0:28] followed by the uncompressed body
//	body
//	  phrase table: per phrase uvarint length + bytes
//	  node table (BFS order, root first): uvarint ref count, refs,
//	    uvarint edge count, (uvarint rune, uvarint child index) sorted by rune
const (
	MagicBytes    uint32 = 0x49525450
	FormatVersion uint32 = 1
	HeaderSize    int    = 32

	maxBodySize = 1 << 31

	// lz4 block format cannot expand input by more than this factor.
	maxLZ4Ratio = 255
	// Every node encodes at least a ref count and an edge count.
	minNodeSize = 2
)

var (
	ErrBadMagic    = errors.New("trie blob: bad magic bytes")
	ErrBadVersion  = errors.New("trie blob: unsupported format version")
	ErrChecksum    = errors.New("trie blob: checksum mismatch")
	ErrCorruptBody = errors.New("trie blob: corrupt body")
)

// IsCorrupt reports whether err means the blob content itself is invalid,
// as opposed to a failure while reading it.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrBadMagic) || errors.Is(err, ErrBadVersion) ||
		errors.Is(err, ErrChecksum) || errors.Is(err, ErrCorruptBody)
}

// Compression identifies the algorithm applied to the blob body.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown trie compression %q", s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize))
}

// Encode writes t to w in the blob format.
func Encode(w io.Writer, t *Trie, compression Compression) (int64, error) {
	raw, phraseCount, nodeCount := encodeBody(t)

	body, used, err := compress(raw, compression)
	if err != nil {
		return 0, fmt.Errorf("compressing trie body: %w", err)
	}

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(header[4:8], FormatVersion)
	header[8] = byte(used)
	header[9] = byte(TopPhrasesPerPrefix)
	binary.LittleEndian.PutUint32(header[12:16], uint32(phraseCount))
	binary.LittleEndian.PutUint32(header[16:20], uint32(nodeCount))
	binary.LittleEndian.PutUint32(header[20:24], uint32(len(raw)))
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[28:32], checksum(header, raw))

	n, err := w.Write(header)
	if err != nil {
		return int64(n), fmt.Errorf("writing trie header: %w", err)
	}
	m, err := w.Write(body)
	if err != nil {
		return int64(n + m), fmt.Errorf("writing trie body: %w", err)
	}
	return int64(n + m), nil
}

// Decode reads a blob written by Encode.
func Decode(r io.Reader) (*Trie, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading trie header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != MagicBytes {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, magic)
	}
	if version := binary.LittleEndian.Uint32(header[4:8]); version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	compression := Compression(header[8])
	k := int(header[9])
	phraseCount := int(binary.LittleEndian.Uint32(header[12:16]))
	nodeCount := int(binary.LittleEndian.Uint32(header[16:20]))
	rawSize := int(binary.LittleEndian.Uint32(header[20:24]))
	bodySize := int(binary.LittleEndian.Uint32(header[24:28]))
	sum := binary.LittleEndian.Uint32(header[28:32])

	if rawSize > maxBodySize || bodySize > maxBodySize || nodeCount < 1 {
		return nil, fmt.Errorf("%w: sizes out of range", ErrCorruptBody)
	}
	if phraseCount > rawSize || nodeCount > rawSize/minNodeSize {
		return nil, fmt.Errorf("%w: %d phrases and %d nodes cannot fit in %d bytes",
			ErrCorruptBody, phraseCount, nodeCount, rawSize)
	}

	// bodySize is unverified until the checksum; never allocate past the stream.
	var body bytes.Buffer
	if _, err := body.ReadFrom(io.LimitReader(r, int64(bodySize))); err != nil {
		return nil, fmt.Errorf("reading trie body: %w", err)
	}
	if body.Len() != bodySize {
		return nil, fmt.Errorf("reading trie body: %w", io.ErrUnexpectedEOF)
	}
	raw, err := decompress(body.Bytes(), compression, rawSize)
	if err != nil {
		return nil, fmt.Errorf("decompressing trie body: %w", err)
	}
	if checksum(header, raw) != sum {
		return nil, ErrChecksum
	}
	return decodeBody(raw, phraseCount, nodeCount, k)
}

func checksum(header, raw []byte) uint32 {
	return crc32.Update(crc32.ChecksumIEEE(header[:28]), crc32.IEEETable, raw)
}

func encodeBody(t *Trie) ([]byte, int, int) {
	order := []*node{t.root}
	for i := 0; i < len(order); i++ {
		for _, c := range sortedEdges(order[i]) {
			order = append(order, order[i].children[c])
		}
	}

	refs := make(map[*string]uint64, len(t.phrases))
	table := make([]*string, 0, len(t.phrases))
	for _, n := range order {
		for _, p := range n.top {
			if _, ok := refs[p]; !ok {
				refs[p] = uint64(len(table))
				table = append(table, p)
			}
		}
	}

	var buf []byte
	for _, p := range table {
		buf = binary.AppendUvarint(buf, uint64(len(*p)))
		buf = append(buf, *p...)
	}

	index := make(map[*node]uint64, len(order))
	for i, n := range order {
		index[n] = uint64(i)
	}
	for _, n := range order {
		buf = binary.AppendUvarint(buf, uint64(len(n.top)))
		for _, p := range n.top {
			buf = binary.AppendUvarint(buf, refs[p])
		}
		edges := sortedEdges(n)
		buf = binary.AppendUvarint(buf, uint64(len(edges)))
		for _, c := range edges {
			buf = binary.AppendUvarint(buf, uint64(c))
			buf = binary.AppendUvarint(buf, index[n.children[c]])
		}
	}
	return buf, len(table), len(order)
}

func sortedEdges(n *node) []rune {
	edges := make([]rune, 0, len(n.children))
	for c := range n.children {
		edges = append(edges, c)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
	return edges
}

type bodyReader struct {
	r   *bytes.Reader
	err error
}

func (b *bodyReader) uvarint() uint64 {
	if b.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(b.r)
	if err != nil {
		b.err = fmt.Errorf("%w: %v", ErrCorruptBody, err)
	}
	return v
}

func decodeBody(raw []byte, phraseCount, nodeCount, k int) (*Trie, error) {
	if phraseCount > len(raw) || nodeCount < 1 || nodeCount > len(raw)/minNodeSize {
		return nil, fmt.Errorf("%w: %d phrases and %d nodes cannot fit in %d bytes",
			ErrCorruptBody, phraseCount, nodeCount, len(raw))
	}
	br := &bodyReader{r: bytes.NewReader(raw)}

	t := &Trie{phrases: make(map[string]*string, phraseCount), nodes: nodeCount}
	table := make([]*string, phraseCount)
	for i := 0; i < phraseCount; i++ {
		size := br.uvarint()
		if br.err != nil {
			return nil, br.err
		}
		if size > uint64(br.r.Len()) {
			return nil, fmt.Errorf("%w: phrase %d overruns body", ErrCorruptBody, i)
		}
		value := make([]byte, size)
		if _, err := io.ReadFull(br.r, value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBody, err)
		}
		table[i] = t.intern(string(value))
	}

	nodes := make([]*node, nodeCount)
	for i := range nodes {
		nodes[i] = newNode()
	}
	attached := make([]bool, nodeCount)
	attached[0] = true
	for i, n := range nodes {
		refCount := br.uvarint()
		if refCount > uint64(k) {
			return nil, fmt.Errorf("%w: node %d lists %d phrases (max %d)", ErrCorruptBody, i, refCount, k)
		}
		for j := uint64(0); j < refCount; j++ {
			ref := br.uvarint()
			if br.err != nil {
				return nil, br.err
			}
			if ref >= uint64(phraseCount) {
				return nil, fmt.Errorf("%w: phrase ref %d out of range", ErrCorruptBody, ref)
			}
			n.top = append(n.top, table[ref])
		}
		edgeCount := br.uvarint()
		for j := uint64(0); j < edgeCount; j++ {
			c := br.uvarint()
			child := br.uvarint()
			if br.err != nil {
				return nil, br.err
			}
			if child >= uint64(nodeCount) || attached[child] {
				return nil, fmt.Errorf("%w: bad child index %d", ErrCorruptBody, child)
			}
			attached[child] = true
			n.children[rune(c)] = nodes[child]
		}
		if br.err != nil {
			return nil, br.err
		}
	}
	if br.r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptBody, br.r.Len())
	}
	t.root = nodes[0]
	return t, nil
}

func compress(raw []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionNone:
		return raw, CompressionNone, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, 0, err
		}
		if n == 0 {
			// incompressible
			return raw, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil
	case CompressionZstd:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, 0, err
		}
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(raw, nil), CompressionZstd, nil
	default:
		return nil, 0, fmt.Errorf("unknown compression %s", c)
	}
}

func decompress(body []byte, c Compression, rawSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(body) != rawSize {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorruptBody)
		}
		return body, nil
	case CompressionLZ4:
		if rawSize > maxLZ4Ratio*len(body)+16 {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorruptBody)
		}
		raw := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, err
		}
		if n != rawSize {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorruptBody)
		}
		return raw, nil
	case CompressionZstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		defer zstdDecoderPool.Put(dec)
		raw, err := dec.DecodeAll(body, make([]byte, 0, min(rawSize, maxLZ4Ratio*len(body)+16)))
		if err != nil {
			return nil, err
		}
		if len(raw) != rawSize {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorruptBody)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown compression %s", c)
	}
}
