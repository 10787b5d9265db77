package mcp

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind 标识载荷值的具体类型。
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// JSON 中的保留单键对象：{"$bytes": base64} 表示二进制数据，
// {"$map": {...}} 包裹恰好只有一个保留键的真实映射。
const (
	bytesKey = "$bytes"
	mapKey   = "$map"
)

// Value 是载荷中的一个松散类型值。零值表示 null。
type Value struct {
	kind  Kind
	str   string
	num   float64
	flag  bool
	list  []Value
	items map[string]Value
	raw   []byte
}

// Null 返回空值。
func Null() Value { return Value{} }

// String 构造字符串值。
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number 构造数值。所有数值在总线上都以 float64 表示。
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Int 是 Number 的便捷写法。
func Int(n int) Value { return Number(float64(n)) }

// Bool 构造布尔值。
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// List 构造有序列表，入参会被复制。
func List(values ...Value) Value {
	cloned := make([]Value, len(values))
	for i, v := range values {
		cloned[i] = v.Clone()
	}
	return Value{kind: KindList, list: cloned}
}

// Map 构造嵌套映射，入参会被复制。
func Map(items map[string]Value) Value {
	return Value{kind: KindMap, items: Payload(items).Clone()}
}

// Bytes 构造不透明的二进制值，入参会被复制。
func Bytes(b []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte{}, b...)}
}

// Kind 返回值的类型。
func (v Value) Kind() Kind { return v.kind }

// IsNull 判断是否为空值。
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString 返回字符串内容。
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber 返回数值内容。
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool 返回布尔内容。
func (v Value) AsBool() (bool, bool) { return v.flag, v.kind == KindBool }

// AsList 返回列表副本。
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return List(v.list...).list, true
}

// AsMap 返回映射副本。
func (v Value) AsMap() (Payload, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return Payload(v.items).Clone(), true
}

// AsBytes 返回二进制内容副本。
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return append([]byte{}, v.raw...), true
}

// Clone 深拷贝一个值。
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		return List(v.list...)
	case KindMap:
		return Map(v.items)
	case KindBytes:
		return Bytes(v.raw)
	default:
		return v
	}
}

// Equal 逐字段比较两个值。
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.flag == other.flag
	case KindBytes:
		return bytes.Equal(v.raw, other.raw)
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return Payload(v.items).Equal(Payload(other.items))
	default:
		return false
	}
}

// Native 将值转换为 Go 原生类型：nil、string、float64、bool、[]any、
// map[string]any 或 []byte。
func (v Value) Native() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.flag
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Native()
		}
		return out
	case KindMap:
		return Payload(v.items).Native()
	case KindBytes:
		return append([]byte{}, v.raw...)
	default:
		return nil
	}
}

// FromNative 将 Go 原生值转换为 Value，整数会被转换为 float64。
func FromNative(in any) (Value, error) {
	switch typed := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return typed.Clone(), nil
	case string:
		return String(typed), nil
	case bool:
		return Bool(typed), nil
	case float64:
		return Number(typed), nil
	case float32:
		return Number(float64(typed)), nil
	case int:
		return Number(float64(typed)), nil
	case int8:
		return Number(float64(typed)), nil
	case int16:
		return Number(float64(typed)), nil
	case int32:
		return Number(float64(typed)), nil
	case int64:
		return Number(float64(typed)), nil
	case uint:
		return Number(float64(typed)), nil
	case uint8:
		return Number(float64(typed)), nil
	case uint16:
		return Number(float64(typed)), nil
	case uint32:
		return Number(float64(typed)), nil
	case uint64:
		return Number(float64(typed)), nil
	case json.Number:
		n, err := typed.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", typed.String(), err)
		}
		return Number(n), nil
	case []byte:
		return Bytes(typed), nil
	case []Value:
		return List(typed...), nil
	case []any:
		list := make([]Value, len(typed))
		for i, item := range typed {
			converted, err := FromNative(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			list[i] = converted
		}
		return Value{kind: KindList, list: list}, nil
	case Payload:
		return Map(typed), nil
	case map[string]Value:
		return Map(typed), nil
	case map[string]any:
		if raw, ok, err := decodeBytesObject(typed); ok || err != nil {
			if err != nil {
				return Value{}, err
			}
			return Value{kind: KindBytes, raw: raw}, nil
		}
		if inner, ok := typed[mapKey].(map[string]any); ok && len(typed) == 1 {
			typed = inner
		}
		items, err := PayloadFromNative(typed)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindMap, items: items}, nil
	default:
		return Value{}, fmt.Errorf("unsupported payload value of type %T", in)
	}
}

// decodeBytesObject 识别 {"$bytes": "<base64>"} 形式的二进制对象。
func decodeBytesObject(m map[string]any) ([]byte, bool, error) {
	if len(m) != 1 {
		return nil, false, nil
	}
	encoded, ok := m[bytesKey].(string)
	if !ok {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, true, fmt.Errorf("invalid %s value: %w", bytesKey, err)
	}
	return raw, true, nil
}

// reservedOnly 判断映射是否只有一个保留键，这类映射编码时需要 $map 包裹。
func reservedOnly(items map[string]Value) bool {
	if len(items) != 1 {
		return false
	}
	_, isBytes := items[bytesKey]
	_, isMap := items[mapKey]
	return isBytes || isMap
}

// MarshalJSON 实现 json.Marshaler。
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("number %v cannot be encoded as JSON", v.num)
		}
		return json.Marshal(v.num)
	case KindBytes:
		return json.Marshal(map[string]string{bytesKey: base64.StdEncoding.EncodeToString(v.raw)})
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.items == nil {
			return []byte("{}"), nil
		}
		if reservedOnly(v.items) {
			return json.Marshal(map[string]map[string]Value{mapKey: v.items})
		}
		return json.Marshal(v.items)
	default:
		return json.Marshal(v.Native())
	}
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (v *Value) UnmarshalJSON(data []byte) error {
	var native any
	if err := json.Unmarshal(data, &native); err != nil {
		return err
	}
	converted, err := FromNative(native)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

// GoString 便于测试失败时打印。
func (v Value) GoString() string {
	switch v.kind {
	case KindMap:
		keys := make([]string, 0, len(v.items))
		for k := range v.items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			fmt.Fprintf(&buf, "%q: %#v", k, v.items[k])
		}
		buf.WriteString("}")
		return buf.String()
	default:
		return fmt.Sprintf("%s(%v)", v.kind, v.Native())
	}
}
