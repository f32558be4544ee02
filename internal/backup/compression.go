package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	appErrors "dbvault/internal/errors"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionStats contains statistics about a compression run
type CompressionStats struct {
	OriginalSize     int64           `json:"original_size"`
	CompressedSize   int64           `json:"compressed_size"`
	CompressionRatio float64         `json:"compression_ratio"`
	Algorithm        CompressionType `json:"algorithm"`
	Level            int             `json:"level"`
	Duration         time.Duration   `json:"duration"`
}

// Compressor is a streaming codec
type Compressor interface {
	GetAlgorithm() CompressionType
	// Extension is the file suffix, including the dot
	Extension() string
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// CompressionManager manages compression operations
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager creates a manager with gzip, zstd and lz4 registered
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{
		compressors: make(map[CompressionType]Compressor),
	}

	cm.compressors[CompressionTypeGzip] = &GzipCompressor{}
	cm.compressors[CompressionTypeLZ4] = &LZ4Compressor{}
	cm.compressors[CompressionTypeZstd] = &ZstdCompressor{}

	return cm
}

// GetCompressor returns the compressor for the specified algorithm
func (cm *CompressionManager) GetCompressor(algorithm CompressionType) (Compressor, error) {
	compressor, exists := cm.compressors[algorithm]
	if !exists {
		return nil, appErrors.NewConfigurationError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return compressor, nil
}

// ForPath picks the compressor whose extension path ends with
func (cm *CompressionManager) ForPath(path string) (Compressor, bool) {
	for _, compressor := range cm.compressors {
		if strings.HasSuffix(path, compressor.Extension()) {
			return compressor, true
		}
	}
	return nil, false
}

// GetSupportedAlgorithms returns the supported algorithms in sorted order
func (cm *CompressionManager) GetSupportedAlgorithms() []CompressionType {
	algorithms := make([]CompressionType, 0, len(cm.compressors))
	for algorithm := range cm.compressors {
		algorithms = append(algorithms, algorithm)
	}
	sort.Slice(algorithms, func(i, j int) bool { return algorithms[i] < algorithms[j] })
	return algorithms
}

// CompressFile streams src into dst in a single pass. dst is removed on failure.
func (cm *CompressionManager) CompressFile(ctx context.Context, src, dst string, algorithm CompressionType, level int) (*CompressionStats, error) {
	compressor, err := cm.GetCompressor(algorithm)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	in, err := os.Open(src)
	if err != nil {
		return nil, appErrors.NewIOError("failed to open dump for compression", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, appErrors.NewIOError("failed to create compressed file", err)
	}

	original, err := compressStream(ctx, compressor, out, in, level)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = appErrors.NewIOError("failed to close compressed file", closeErr)
	}
	if err != nil {
		os.Remove(dst)
		return nil, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		os.Remove(dst)
		return nil, appErrors.NewIOError("failed to stat compressed file", err)
	}

	return &CompressionStats{
		OriginalSize:     original,
		CompressedSize:   info.Size(),
		CompressionRatio: CalculateCompressionRatio(original, info.Size()),
		Algorithm:        algorithm,
		Level:            level,
		Duration:         time.Since(start),
	}, nil
}

func compressStream(ctx context.Context, compressor Compressor, dst io.Writer, src io.Reader, level int) (int64, error) {
	writer, err := compressor.NewWriter(dst, level)
	if err != nil {
		return 0, appErrors.NewCompressionError(fmt.Sprintf("failed to create %s writer", compressor.GetAlgorithm()), err)
	}

	n, err := io.Copy(writer, &contextReader{ctx: ctx, r: src})
	if err != nil {
		writer.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, appErrors.NewCanceledError("compression canceled", ctxErr)
		}
		return n, appErrors.NewCompressionError(fmt.Sprintf("failed to write %s stream", compressor.GetAlgorithm()), err)
	}

	if err := writer.Close(); err != nil {
		return n, appErrors.NewCompressionError(fmt.Sprintf("failed to close %s writer", compressor.GetAlgorithm()), err)
	}
	return n, nil
}

// DecompressFile detects the codec from the extension of src and writes the
// plaintext to dst
func (cm *CompressionManager) DecompressFile(src, dst string) (int64, error) {
	compressor, ok := cm.ForPath(src)
	if !ok {
		return 0, appErrors.NewConfigurationError(fmt.Sprintf("no codec matches %s", src), nil)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, appErrors.NewIOError("failed to open compressed file", err)
	}
	defer in.Close()

	reader, err := compressor.NewReader(in)
	if err != nil {
		return 0, appErrors.NewCompressionError(fmt.Sprintf("failed to create %s reader", compressor.GetAlgorithm()), err)
	}
	defer reader.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, appErrors.NewIOError("failed to create decompressed file", err)
	}

	n, err := io.Copy(out, reader)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return 0, appErrors.NewCompressionError(fmt.Sprintf("failed to decompress %s", src), err)
	}
	return n, nil
}

// CalculateCompressionRatio calculates the compression ratio
func CalculateCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(compressedSize) / float64(originalSize)
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// GzipCompressor implements gzip compression
type GzipCompressor struct{}

func (gc *GzipCompressor) GetAlgorithm() CompressionType {
	return CompressionTypeGzip
}

func (gc *GzipCompressor) Extension() string {
	return ".gz"
}

func (gc *GzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return gzip.NewWriterLevel(w, level)
}

func (gc *GzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// LZ4Compressor implements LZ4 frame compression
type LZ4Compressor struct{}

func (lc *LZ4Compressor) GetAlgorithm() CompressionType {
	return CompressionTypeLZ4
}

func (lc *LZ4Compressor) Extension() string {
	return ".lz4"
}

// NewWriter uses fast mode up to level 6 and high compression above
func (lc *LZ4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)
	if level > 6 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, err
		}
	}
	return writer, nil
}

func (lc *LZ4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct{}

func (zc *ZstdCompressor) GetAlgorithm() CompressionType {
	return CompressionTypeZstd
}

func (zc *ZstdCompressor) Extension() string {
	return ".zst"
}

func (zc *ZstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
}

func (zc *ZstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 6:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}
