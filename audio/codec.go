package audio

import (
	"encoding/base64"
	"fmt"
)

// Encode 将PCM16帧转换为传输用的base64文本
//
// 样本先归一化到[-1, 1]（除以32768），再截断并乘以32767重新量化，
// 所以 ±1.0 会变成 ±32767 而不是 ±32768。
func Encode(frame []byte) string {
	return base64.StdEncoding.EncodeToString(Float32ToPCM16(PCM16ToFloat32(frame)))
}

// Decode 解码base64负载为PCM16字节，不做重采样
func Decode(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return data, nil
}

// PCM16ToFloat32 将小端int16样本归一化为float32
func PCM16ToFloat32(b []byte) []float32 {
	pcm := BytesToInt16(b)
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM16 截断到[-1, 1]后量化为小端int16字节
func Float32ToPCM16(samples []float32) []byte {
	pcm := make([]int16, len(samples))
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		// 向零取整
		pcm[i] = int16(f * 32767)
	}
	return Int16ToBytes(pcm)
}

// BytesToInt16 将byte切片转换为int16切片，末尾多余的单字节被丢弃
func BytesToInt16(b []byte) []int16 {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}

	pcm := make([]int16, len(b)/2)
	for i := 0; i < len(pcm); i++ {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16ToBytes 将int16切片转换为小端byte切片
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
