package bridge

import (
	"bytes"

	"github.com/klauspost/compress/zstd"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
)

// EncodingZstd 标记经过 zstd 压缩的消息体。
const EncodingZstd = "zstd"

// zstdMagic 是 zstd 帧头，CBOR 信封以 map 头开始，两者不会冲突。
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// zstd.Encoder 与 zstd.Decoder 均可并发复用。
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bridge: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		panic("bridge: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBody 以 CBOR 编码信封，超过 minBytes 且确实变小时使用 zstd 压缩。
// minBytes <= 0 表示不压缩。返回的 bool 表示是否压缩。
func encodeBody(env mcp.Envelope, minBytes int) ([]byte, bool, error) {
	body, err := mcp.EncodeBinary(env)
	if err != nil {
		return nil, false, err
	}
	if minBytes <= 0 || len(body) < minBytes {
		return body, false, nil
	}
	compressed := zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/2))
	if len(compressed) >= len(body) {
		return body, false, nil
	}
	return compressed, true, nil
}

// decodeBody 识别 zstd 帧头后解压，再按 CBOR 解码。
func decodeBody(body []byte) (mcp.Envelope, error) {
	if bytes.HasPrefix(body, zstdMagic) {
		raw, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return mcp.Envelope{}, xerrors.Wrap(mcp.CodeMalformedEnvelope, err, "解压消息体失败")
		}
		body = raw
	}
	return mcp.DecodeBinary(body)
}
