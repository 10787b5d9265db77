package mcp

import "fmt"

// Payload 是信封的载荷，键值内容由通信双方约定，核心不做校验。
type Payload map[string]Value

// Clone 深拷贝载荷。nil 载荷返回 nil。
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// Equal 逐键比较。nil 与空载荷视为相等。
func (p Payload) Equal(other Payload) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Native 转换为 map[string]any。
func (p Payload) Native() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Native()
	}
	return out
}

// String 读取字符串字段。
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// Number 读取数值字段。
func (p Payload) Number(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}

// Map 读取嵌套映射字段。
func (p Payload) Map(key string) (Payload, bool) {
	v, ok := p[key]
	if !ok {
		return nil, false
	}
	return v.AsMap()
}

// PayloadFromNative 将 map[string]any 转换为载荷。
func PayloadFromNative(in map[string]any) (Payload, error) {
	out := make(Payload, len(in))
	for k, raw := range in {
		v, err := FromNative(raw)
		if err != nil {
			return nil, fmt.Errorf("payload key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
