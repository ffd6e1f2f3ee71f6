package compression

import (
	"compress/gzip"
	"encoding"

	"github.com/roadmate/drivesync/pkg/observability"
)

// Config holds pipeline tuning knobs
type Config struct {
	// Algorithm is the codec used when adaptive selection is off
	Algorithm string `mapstructure:"algorithm"`
	// Level is the codec compression level
	Level int `mapstructure:"level"`
	// ThresholdBytes is the minimum serialized size eligible for
	// compression; smaller payloads are stored unchanged
	ThresholdBytes int `mapstructure:"threshold_bytes"`
	// Adaptive picks the best codec per data type by sampling
	Adaptive bool `mapstructure:"adaptive"`
}

// DefaultConfig returns the pipeline defaults: gzip at best speed with a
// 1KB threshold
func DefaultConfig() Config {
	return Config{
		Algorithm:      AlgorithmGzip,
		Level:          gzip.BestSpeed, // Fast compression for cache
		ThresholdBytes: 1024,           // Only compress if >= 1KB
	}
}

// Result describes the outcome of a Compress call
type Result struct {
	// Payload is the bytes to store
	Payload []byte
	// Compressed reports whether Payload is codec output
	Compressed bool
	// Algorithm names the codec used when Compressed is true
	Algorithm string
	// RawSize is the serialized size before compression
	RawSize int
}

// Pipeline serializes and compresses cache values. Compression never fails a
// write: a codec error degrades to storing the serialized bytes unchanged,
// and reads sniff magic bytes so both forms round-trip.
type Pipeline struct {
	codecs   map[string]Codec
	config   Config
	selector *AdaptiveSelector
	logger   observability.Logger
}

// NewPipeline creates a pipeline with gzip and zlib codecs at the configured
// level
func NewPipeline(cfg Config, logger observability.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmGzip
	}
	if cfg.ThresholdBytes <= 0 {
		cfg.ThresholdBytes = DefaultConfig().ThresholdBytes
	}

	gzipCodec, err := NewGzipCodec(cfg.Level)
	if err != nil {
		return nil, err
	}
	zlibCodec, err := NewZlibCodec(cfg.Level)
	if err != nil {
		return nil, err
	}

	codecs := map[string]Codec{
		gzipCodec.Name(): gzipCodec,
		zlibCodec.Name(): zlibCodec,
	}
	if _, ok := codecs[cfg.Algorithm]; !ok {
		return nil, errUnknownAlgorithm(cfg.Algorithm)
	}

	selector, err := NewAdaptiveSelector([]Codec{gzipCodec, zlibCodec})
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		codecs:   codecs,
		config:   cfg,
		selector: selector,
		logger:   logger,
	}, nil
}

// Threshold returns the configured compression threshold in bytes
func (p *Pipeline) Threshold() int {
	return p.config.ThresholdBytes
}

// Compress serializes and compresses a value, labeling it for adaptive
// selection by its serialization kind
func (p *Pipeline) Compress(value interface{}) (Result, error) {
	return p.CompressFor(kindOf(value), value)
}

// CompressFor serializes and compresses a value under an explicit data-type
// label. The cache manager passes the entry's category so adaptive selection
// groups payloads that look alike.
func (p *Pipeline) CompressFor(dataType string, value interface{}) (Result, error) {
	raw, err := Serialize(value)
	if err != nil {
		return Result{}, err
	}

	result := Result{Payload: raw, RawSize: len(raw)}

	// Skip compression for small payloads
	if len(raw) < p.config.ThresholdBytes {
		return result, nil
	}

	algorithm := p.config.Algorithm
	if p.config.Adaptive {
		algorithm = p.selector.PickAlgorithm(dataType, raw)
	}
	codec, ok := p.codecs[algorithm]
	if !ok {
		return result, nil
	}

	compressed, err := codec.Compress(raw)
	if err != nil {
		// A failed compression degrades to storing the raw bytes
		p.logger.Warn("Compression failed, storing raw payload", map[string]interface{}{
			"algorithm": algorithm,
			"size":      len(raw),
			"error":     err.Error(),
		})
		return result, nil
	}

	// Return original if compression didn't help
	if len(compressed) >= len(raw) {
		return result, nil
	}

	result.Payload = compressed
	result.Compressed = true
	result.Algorithm = algorithm
	return result, nil
}

// Decompress restores stored payload bytes. Payloads without a recognized
// codec header pass through unchanged, and a codec failure also degrades to
// returning the input, so reads never fail here.
func (p *Pipeline) Decompress(data []byte) []byte {
	codec := p.sniff(data)
	if codec == nil {
		return data
	}

	out, err := codec.Decompress(data)
	if err != nil {
		// If decompression fails, data might not be compressed after all
		p.logger.Warn("Decompression failed, returning payload as-is", map[string]interface{}{
			"algorithm": codec.Name(),
			"error":     err.Error(),
		})
		return data
	}
	return out
}

// DecompressAndDecode restores the stored payload and decodes it back into a
// value: structured JSON where it parses, raw string otherwise
func (p *Pipeline) DecompressAndDecode(data []byte) interface{} {
	return Decode(p.Decompress(data))
}

// IsCompressed reports whether data carries a recognized codec header
func (p *Pipeline) IsCompressed(data []byte) bool {
	return p.sniff(data) != nil
}

// Ratio compresses data with the configured codec and reports the size
// reduction as a fraction of the input
func (p *Pipeline) Ratio(data []byte) (float64, error) {
	if len(data) == 0 {
		return 0, nil
	}

	codec := p.codecs[p.config.Algorithm]
	compressed, err := codec.Compress(data)
	if err != nil {
		return 0, err
	}

	ratio := 1.0 - (float64(len(compressed)) / float64(len(data)))
	return ratio, nil
}

// Reset clears the adaptive selector's memo so the next payload of each data
// type re-samples. Called when a cache is flushed.
func (p *Pipeline) Reset() {
	p.selector.Reset()
}

func (p *Pipeline) sniff(data []byte) Codec {
	for _, codec := range p.codecs {
		if codec.Sniff(data) {
			return codec
		}
	}
	return nil
}

// kindOf labels a value by how Serialize will treat it
func kindOf(value interface{}) string {
	switch value.(type) {
	case []byte:
		return "bytes"
	case string:
		return "string"
	case encoding.BinaryMarshaler:
		return "binary"
	default:
		return "json"
	}
}
