package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressorsRestoreInput(t *testing.T) {
	original := bytes.Repeat([]byte(`{"id":"evt-1","type":"login_failed","user":"u-42"}`+"\n"), 64)

	for _, algo := range []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2} {
		t.Run(string(algo), func(t *testing.T) {
			comp, err := NewCompressor(&Config{Algorithm: algo, Level: Default})
			require.NoError(t, err)
			assert.Equal(t, algo, comp.Algorithm())

			compressed, err := comp.Compress(original)
			require.NoError(t, err)
			if algo != None {
				assert.Less(t, len(compressed), len(original))
			}

			decompressed, err := comp.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, original, decompressed)
		})
	}
}

func TestNewCompressorRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewCompressor(&Config{Algorithm: "brotli"})
	assert.Error(t, err)
}

func TestZstdDetectsCorruptInput(t *testing.T) {
	comp, err := NewCompressor(&Config{Algorithm: Zstd})
	require.NoError(t, err)
	_, err = comp.Decompress([]byte("definitely not zstd"))
	assert.Error(t, err)
}
