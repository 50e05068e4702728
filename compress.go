// Compression for the master-flip diff response body.
//
// A flip diff is a complete slice of the log shipped over HTTP in one
// response; on a large catch-up it is the one place in this package
// where compressing the payload is worth the CPU. Everything else
// (individual record lines, schema documents) stays uncompressed.
package evstream

import "github.com/klauspost/compress/zstd"

// Shared encoder/decoder, allocated once — zstd encoder/decoder
// construction is expensive and a flip diff is exactly the kind of
// bursty, infrequent operation where paying that cost per call would
// dominate.
//
// SpeedFastest: a flip is already a synchronous, latency-sensitive
// handover, so encode speed wins over compression ratio.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func zstdCompress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func zstdDecompress(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}
