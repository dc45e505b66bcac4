// Package codec 持久化数据的编码: CBOR Core Deterministic Encoding.
// 同样的数据总是得到同样的字节, 状态没变时写回的内容也不变.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	// 未知字段直接忽略, 老版本可以读新版本写的状态
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal 编码 v
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 解码 data 到 v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose 返回 RFC 8949 诊断格式, 用于日志
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
