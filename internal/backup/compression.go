package backup

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor compresses bundle bytes before they are sealed.
type Compressor interface {
	Compress(data []byte, level int) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() CompressionType
	DefaultLevel() int
	LevelRange() (min, max int)
}

// CompressionManager dispatches to the registered compressors.
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager registers gzip, lz4 and zstd.
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{compressors: make(map[CompressionType]Compressor)}
	for _, c := range []Compressor{gzipCompressor{}, lz4Compressor{}, zstdCompressor{}} {
		cm.compressors[c.Algorithm()] = c
	}
	return cm
}

// Compress compresses data; out-of-range levels fall back to the algorithm default.
func (cm *CompressionManager) Compress(data []byte, algorithm CompressionType, level int) ([]byte, error) {
	if algorithm == CompressionTypeNone || algorithm == "" {
		return data, nil
	}

	c, ok := cm.compressors[algorithm]
	if !ok {
		return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}

	if min, max := c.LevelRange(); level < min || level > max {
		level = c.DefaultLevel()
	}
	return c.Compress(data, level)
}

// Decompress reverses Compress for the given algorithm.
func (cm *CompressionManager) Decompress(data []byte, algorithm CompressionType) ([]byte, error) {
	if algorithm == CompressionTypeNone || algorithm == "" {
		return data, nil
	}

	c, ok := cm.compressors[algorithm]
	if !ok {
		return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return c.Decompress(data)
}

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, NewCompressionError("failed to create gzip writer", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, NewCompressionError("failed to write gzip data", err)
	}
	if err := w.Close(); err != nil {
		return nil, NewCompressionError("failed to close gzip writer", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, NewCompressionError("failed to create gzip reader", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, NewCompressionError("failed to decompress gzip data", err)
	}
	return out, nil
}

func (gzipCompressor) Algorithm() CompressionType { return CompressionTypeGzip }
func (gzipCompressor) DefaultLevel() int          { return 6 }
func (gzipCompressor) LevelRange() (int, int)     { return gzip.BestSpeed, gzip.BestCompression }

type lz4Compressor struct{}

func (lz4Compressor) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if level > 6 {
		if err := w.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, NewCompressionError("failed to set lz4 level", err)
		}
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, NewCompressionError("failed to write lz4 data", err)
	}
	if err := w.Close(); err != nil {
		return nil, NewCompressionError("failed to close lz4 writer", err)
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, NewCompressionError("failed to decompress lz4 data", err)
	}
	return out, nil
}

func (lz4Compressor) Algorithm() CompressionType { return CompressionTypeLZ4 }
func (lz4Compressor) DefaultLevel() int          { return 1 }
func (lz4Compressor) LevelRange() (int, int)     { return 1, 12 }

type zstdCompressor struct{}

func (zstdCompressor) Compress(data []byte, level int) ([]byte, error) {
	var encoderLevel zstd.EncoderLevel
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel))
	if err != nil {
		return nil, NewCompressionError("failed to create zstd encoder", err)
	}
	defer enc.Close()

	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (zstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, NewCompressionError("failed to create zstd decoder", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, NewCompressionError("failed to decompress zstd data", err)
	}
	return out, nil
}

func (zstdCompressor) Algorithm() CompressionType { return CompressionTypeZstd }
func (zstdCompressor) DefaultLevel() int          { return 3 }
func (zstdCompressor) LevelRange() (int, int)     { return 1, 22 }
