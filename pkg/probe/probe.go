// Package probe 调度器与节点 prober 之间的探测协议, 使用 protobuf 线格式:
//
//	message ProbeRequest {
//	  optional string initialize_path = 1;
//	  optional string client_directory = 2;
//	}
//	enum DeviceType { REGISTRY = 1; METADATA = 2; DATA = 3; CLIENT = 4; }
//	message ProbeResponse {
//	  repeated DeviceType device_type = 1;
//	  optional bool client_mount_point = 2;
//	}
package probe

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"keel/pkg/model"
)

// ErrMalformed 无法解析的探测消息
var ErrMalformed = errors.New("probe: malformed message")

const (
	fieldInitializePath  protowire.Number = 1
	fieldClientDirectory protowire.Number = 2

	fieldDeviceType       protowire.Number = 1
	fieldClientMountPoint protowire.Number = 2
)

// Request 调度器发给 prober 的探测请求
type Request struct {
	// InitializePath 非空时, 若该目录尚未标记为设备则写入标识文件
	InitializePath string
	// ClientDirectory 非空时检查该客户端目录是否存在
	ClientDirectory string
}

// Response prober 的探测结果
type Response struct {
	DeviceTypes      []model.DeviceType
	ClientMountPoint bool
}

func (r *Request) Marshal() []byte {
	var b []byte
	if r.InitializePath != "" {
		b = protowire.AppendTag(b, fieldInitializePath, protowire.BytesType)
		b = protowire.AppendString(b, r.InitializePath)
	}
	if r.ClientDirectory != "" {
		b = protowire.AppendTag(b, fieldClientDirectory, protowire.BytesType)
		b = protowire.AppendString(b, r.ClientDirectory)
	}
	return b
}

func (r *Request) Unmarshal(b []byte) error {
	*r = Request{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldInitializePath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.InitializePath = v
			return n, nil
		case num == fieldClientDirectory && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.ClientDirectory = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (r *Response) Marshal() []byte {
	var b []byte
	for _, t := range r.DeviceTypes {
		b = protowire.AppendTag(b, fieldDeviceType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t))
	}
	if r.ClientMountPoint {
		b = protowire.AppendTag(b, fieldClientMountPoint, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// Unmarshal 同时接受 packed 和非 packed 的 repeated 枚举
func (r *Response) Unmarshal(b []byte) error {
	*r = Response{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldDeviceType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				if err := r.addDeviceType(v); err != nil {
					return n, err
				}
			}
			return n, nil
		case num == fieldDeviceType && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				if err := r.addDeviceType(v); err != nil {
					return n, err
				}
				packed = packed[m:]
			}
			return n, nil
		case num == fieldClientMountPoint && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.ClientMountPoint = protowire.DecodeBool(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// Devices 返回探测到的存储设备类型集合 (不含 CLIENT)
func (r *Response) Devices() model.DeviceSet {
	set := model.NewDeviceSet()
	for _, t := range r.DeviceTypes {
		if t != model.DeviceClient {
			set[t] = struct{}{}
		}
	}
	return set
}

func (r *Response) addDeviceType(v uint64) error {
	t := model.DeviceType(v)
	if t <= model.DeviceUnknown || t > model.DeviceClient {
		return fmt.Errorf("%w: unknown device type %d", ErrMalformed, v)
	}
	r.DeviceTypes = append(r.DeviceTypes, t)
	return nil
}

// consumeFields 遍历所有字段, field 返回消费的字节数 (负数表示线格式错误)
func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
