package compress

import (
	"bytes"
	"compress/gzip"
	"io"
	"sync"

	"github.com/DataDog/zstd"
	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Strategy identifies how the values of a store version are compressed. StrategyZstdDict needs a per-version
// trained dictionary which is downloaded from the storage nodes by the dictionary retrieval service.
type Strategy byte

const (
	StrategyNone     Strategy = 0
	StrategyGzip     Strategy = 1
	StrategySnappy   Strategy = 2
	StrategyLz4      Strategy = 3
	StrategyZstd     Strategy = 4
	StrategyZstdDict Strategy = 5
	StrategyUnknown  Strategy = 255
)

func FromString(str string) Strategy {
	switch str {
	case "none":
		return StrategyNone
	case "gzip":
		return StrategyGzip
	case "snappy":
		return StrategySnappy
	case "lz4":
		return StrategyLz4
	case "zstd":
		return StrategyZstd
	case "zstd-dict":
		return StrategyZstdDict
	default:
		return StrategyUnknown
	}
}

func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyGzip:
		return "gzip"
	case StrategySnappy:
		return "snappy"
	case StrategyLz4:
		return "lz4"
	case StrategyZstd:
		return "zstd"
	case StrategyZstdDict:
		return "zstd-dict"
	case StrategyUnknown:
		return "unknown"
	default:
		panic("unknown compression strategy")
	}
}

// RequiresDictionary returns true if per-version compressors for this strategy cannot be built without a
// downloaded dictionary.
func (s Strategy) RequiresDictionary() bool {
	return s == StrategyZstdDict
}

// Compressor compresses and decompresses value bytes for one store version.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type noneCompressor struct{}

func (c noneCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c noneCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

type gzipCompressor struct{}

func (c gzipCompressor) Compress(data []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := gzip.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, r); err != nil { //nolint:gosec
		return nil, err
	}
	return buf.Bytes(), nil
}

type snappyCompressor struct{}

func (c snappyCompressor) Compress(data []byte) ([]byte, error) {
	return s2.EncodeSnappy(nil, data), nil
}

func (c snappyCompressor) Decompress(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}

type lz4Compressor struct{}

func (c lz4Compressor) Compress(data []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := lz4.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c lz4Compressor) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, r); err != nil { //nolint:gosec
		return nil, err
	}
	return buf.Bytes(), nil
}

type zstdCompressor struct{}

func (c zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zstd.Compress(nil, data)
}

func (c zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return zstd.Decompress(nil, data)
}

// zstdDictCompressor is built from a per-version dictionary blob downloaded from the storage nodes, which is
// loaded into a zstd bulk processor once. Calls are serialized - dictionaries are small and per-version,
// contention here is negligible next to the storage node round-trip.
type zstdDictCompressor struct {
	lock sync.Mutex
	proc *zstd.BulkProcessor
}

func newZstdDictCompressor(dict []byte) (*zstdDictCompressor, error) {
	if len(dict) == 0 {
		return nil, errors.New("dictionary must not be empty")
	}
	proc, err := zstd.NewBulkProcessor(dict, zstd.DefaultCompression)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &zstdDictCompressor{proc: proc}, nil
}

func (c *zstdDictCompressor) Compress(data []byte) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.proc.Compress(nil, data)
}

func (c *zstdDictCompressor) Decompress(data []byte) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.proc.Decompress(nil, data)
}

// GetCompressor returns the stateless compressor for a strategy. Strategies that require a dictionary have no
// stateless compressor - use Registry.CreateVersionSpecificCompressorIfAbsent for those.
func GetCompressor(strategy Strategy) (Compressor, error) {
	switch strategy {
	case StrategyNone:
		return noneCompressor{}, nil
	case StrategyGzip:
		return gzipCompressor{}, nil
	case StrategySnappy:
		return snappyCompressor{}, nil
	case StrategyLz4:
		return lz4Compressor{}, nil
	case StrategyZstd:
		return zstdCompressor{}, nil
	default:
		return nil, errors.Errorf("no stateless compressor for strategy: %s", strategy)
	}
}
