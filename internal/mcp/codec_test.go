package mcp

import (
	"math"
	"testing"
	"unicode/utf8"

	xerrors "AAHB-Assistant/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope(t *testing.T) Envelope {
	t.Helper()
	env, err := New("VISION_AGENT", "KNOWLEDGE_AGENT", "ctx-rt", Payload{
		"caption":    String("a cat on a mat"),
		"confidence": Number(0.875),
		"count":      Int(3),
		"verified":   Bool(true),
		"missing":    Null(),
		"objects": List(
			Map(map[string]Value{"label": String("cat"), "box": List(Int(1), Int(2), Int(30), Int(40))}),
			Map(map[string]Value{"label": String("mat")}),
		),
		"thumbnail": Bytes([]byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff}),
		"empty":     Map(nil),
	}, WithType(TypeResponse), WithHopCount(4))
	require.NoError(t, err)
	return env
}

func assertSameEnvelope(t *testing.T, want, got Envelope) {
	t.Helper()
	assert.Equal(t, want.Header, got.Header)
	assert.Truef(t, want.Payload.Equal(got.Payload), "payload mismatch:\nwant %#v\ngot  %#v", Map(want.Payload), Map(got.Payload))
}

func TestJSONRoundTrip(t *testing.T) {
	original := sampleEnvelope(t)

	data, err := Encode(original)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	assertSameEnvelope(t, original, decoded)
}

func TestBinaryRoundTrip(t *testing.T) {
	original := sampleEnvelope(t)

	data, err := EncodeBinary(original)
	require.NoError(t, err)
	decoded, err := DecodeBinary(data)
	require.NoError(t, err)

	assertSameEnvelope(t, original, decoded)
}

func adversarialPayloads() map[string]Payload {
	return map[string]Payload{
		"map shaped like bytes":         {"m": Map(map[string]Value{"$bytes": String("hello")})},
		"map with valid base64 string":  {"m": Map(map[string]Value{"$bytes": String("AQI=")})},
		"map with non-string bytes key": {"m": Map(map[string]Value{"$bytes": Int(5)})},
		"map shaped like wrapper":       {"m": Map(map[string]Value{"$map": Map(map[string]Value{"a": Int(1)})})},
		"nested wrappers":               {"m": Map(map[string]Value{"$map": Map(map[string]Value{"$bytes": String("x")})})},
		"wrapper around empty map":      {"m": Map(map[string]Value{"$map": Map(nil)})},
		"reserved key among others":     {"m": Map(map[string]Value{"$bytes": String("AQI="), "other": Null()})},
		"reserved key at top level":     {"$bytes": String("AQI="), "$map": Map(nil)},
		"empty list and empty map":      {"list": List(), "map": Map(nil), "nested": List(List(), Map(nil))},
		"bytes inside lists":            {"frames": List(Bytes([]byte{0}), List(Bytes(nil), Bytes([]byte("AQI="))))},
		"bytes map inside list":         {"frames": List(Map(map[string]Value{"$bytes": Bytes([]byte{1, 2})}))},
		"null values":                   {"n": Null(), "list": List(Null(), Null()), "map": Map(map[string]Value{"n": Null()})},
		"negative zero":                 {"z": Number(math.Copysign(0, -1)), "list": List(Number(-0.5), Number(math.Copysign(0, -1)))},
		"empty strings":                 {"": String(""), "s": String("$bytes")},
	}
}

func TestRoundTripAdversarialPayloads(t *testing.T) {
	codecs := map[string]struct {
		encode func(Envelope) ([]byte, error)
		decode func([]byte) (Envelope, error)
	}{
		"json": {Encode, Decode},
		"cbor": {EncodeBinary, DecodeBinary},
	}
	for codecName, codec := range codecs {
		for name, payload := range adversarialPayloads() {
			t.Run(codecName+"/"+name, func(t *testing.T) {
				env, err := New("a", "b", "ctx", payload)
				require.NoError(t, err)

				data, err := codec.encode(env)
				require.NoError(t, err)
				decoded, err := codec.decode(data)
				require.NoError(t, err)

				assertSameEnvelope(t, env, decoded)
				for k, v := range payload {
					assert.Equalf(t, v.Kind(), decoded.Payload[k].Kind(), "kind of %q", k)
				}
			})
		}
	}
}

func FuzzRoundTrip(f *testing.F) {
	f.Add("$bytes", "hello", []byte{1, 2}, 0.0)
	f.Add("$map", "AQI=", []byte(nil), math.Copysign(0, -1))
	f.Add("k", "", []byte("$bytes"), 1e300)
	f.Fuzz(func(t *testing.T, key, text string, raw []byte, num float64) {
		if math.IsNaN(num) || math.IsInf(num, 0) || !utf8.ValidString(key) || !utf8.ValidString(text) {
			t.Skip()
		}
		payload := Payload{
			"single": Map(map[string]Value{key: String(text)}),
			"nested": Map(map[string]Value{key: Map(map[string]Value{key: Bytes(raw)})}),
			"list":   List(Number(num), Bytes(raw), Map(map[string]Value{key: Number(num)}), List()),
		}
		env, err := New("a", "b", "ctx", payload)
		require.NoError(t, err)

		for _, codec := range []struct {
			encode func(Envelope) ([]byte, error)
			decode func([]byte) (Envelope, error)
		}{{Encode, Decode}, {EncodeBinary, DecodeBinary}} {
			data, err := codec.encode(env)
			require.NoError(t, err)
			decoded, err := codec.decode(data)
			require.NoError(t, err)
			require.True(t, env.Payload.Equal(decoded.Payload))
		}
	})
}

func TestBinaryEncodingIsDeterministic(t *testing.T) {
	original := sampleEnvelope(t)
	first, err := EncodeBinary(original)
	require.NoError(t, err)
	second, err := EncodeBinary(original)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// JSON 数值统一为 float64，超过 2^53 的整数会丢失精度。
func TestJSONLosesLargeIntegerPrecision(t *testing.T) {
	const big = 1<<53 + 1
	env, err := New("a", "b", "c", nil)
	require.NoError(t, err)

	data := []byte(`{"header":{"protocol":"MCP/1.0","source":"a","destination":"b","context_id":"c","message_id":"` +
		env.Header.MessageID + `","timestamp":1},"payload":{"n":9007199254740993}}`)
	decoded, err := Decode(data)
	require.NoError(t, err)

	n, ok := decoded.Payload.Number("n")
	require.True(t, ok)
	assert.NotEqual(t, int64(big), int64(n))
	assert.Equal(t, float64(1<<53), n)
}

func TestDecodeFillsDefaults(t *testing.T) {
	decoded, err := Decode([]byte(`{"header":{"protocol":"MCP/1.0","source":"TESTER","destination":"ECHO","context_id":"ctx-1"}}`))
	require.NoError(t, err)

	assert.Equal(t, TypeRequest, decoded.Header.MessageType)
	assert.NotEmpty(t, decoded.Header.MessageID)
	assert.Greater(t, decoded.Header.Timestamp, 0.0)
	assert.NotNil(t, decoded.Payload)
	assert.Empty(t, decoded.Payload)
}

func TestDecodeKeepsSuppliedIdentity(t *testing.T) {
	decoded, err := Decode([]byte(`{"header":{"protocol":"MCP/1.0","source":"a","destination":"b","context_id":"c",
		"message_id":"m-1","timestamp":1712345678.25,"message_type":"ERROR"},"payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "m-1", decoded.Header.MessageID)
	assert.Equal(t, 1712345678.25, decoded.Header.Timestamp)
	assert.Equal(t, TypeError, decoded.Header.MessageType)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":           `{"header":`,
		"missing header":     `{"payload":{}}`,
		"missing protocol":   `{"header":{"source":"a","destination":"b","context_id":"c"},"payload":{}}`,
		"wrong protocol":     `{"header":{"protocol":"MCP/2.0","source":"a","destination":"b","context_id":"c"},"payload":{}}`,
		"missing source":     `{"header":{"protocol":"MCP/1.0","destination":"b","context_id":"c"},"payload":{}}`,
		"missing context":    `{"header":{"protocol":"MCP/1.0","source":"a","destination":"b"},"payload":{}}`,
		"bad message type":   `{"header":{"protocol":"MCP/1.0","source":"a","destination":"b","context_id":"c","message_type":"ping"},"payload":{}}`,
		"payload not a map":  `{"header":{"protocol":"MCP/1.0","source":"a","destination":"b","context_id":"c"},"payload":[1,2]}`,
		"bad bytes encoding": `{"header":{"protocol":"MCP/1.0","source":"a","destination":"b","context_id":"c"},"payload":{"b":{"$bytes":"%%%"}}}`,
		"trailing garbage":   `{"header":{"protocol":"MCP/1.0","source":"a","destination":"b","context_id":"c"},"payload":{}}garbage`,
		"second object":      `{"header":{"protocol":"MCP/1.0","source":"a","destination":"b","context_id":"c"},"payload":{}} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			require.Error(t, err)
			assert.Equal(t, CodeMalformedEnvelope, xerrors.CodeOf(err))
		})
	}
}

func TestDecodeAllowsTrailingWhitespace(t *testing.T) {
	_, err := Decode([]byte("{\"header\":{\"protocol\":\"MCP/1.0\",\"source\":\"a\",\"destination\":\"b\",\"context_id\":\"c\"}}\n\t "))
	require.NoError(t, err)
}

// JSON 客户端可以显式使用 $map 包裹映射。
func TestDecodeUnwrapsMapWrapper(t *testing.T) {
	decoded, err := Decode([]byte(`{"header":{"protocol":"MCP/1.0","source":"a","destination":"b","context_id":"c"},
		"payload":{"m":{"$map":{"$bytes":"AQI="}},"b":{"$bytes":"AQI="}}}`))
	require.NoError(t, err)

	m, ok := decoded.Payload.Map("m")
	require.True(t, ok)
	s, ok := m.String("$bytes")
	require.True(t, ok)
	assert.Equal(t, "AQI=", s)

	b, ok := decoded.Payload["b"].AsBytes()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, b)
}

func TestEncodeWrapsReservedSingleKeyMaps(t *testing.T) {
	env, err := New("a", "b", "c", Payload{"m": Map(map[string]Value{"$bytes": String("hello")})})
	require.NoError(t, err)
	data, err := Encode(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"m":{"$map":{"$bytes":"hello"}}`)
}

func TestDecodeBinaryMalformed(t *testing.T) {
	_, err := DecodeBinary([]byte{0xff, 0x00})
	require.Error(t, err)
	assert.Equal(t, CodeMalformedEnvelope, xerrors.CodeOf(err))

	data, err := cborEnc.Marshal(map[string]any{"payload": map[string]any{}})
	require.NoError(t, err)
	_, err = DecodeBinary(data)
	require.Error(t, err)
	assert.Equal(t, CodeMalformedEnvelope, xerrors.CodeOf(err))
}
