package eventrouter

import "github.com/bytedance/sonic"

func sonicUnmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
