package model

import (
	"fmt"
	"sort"
	"strings"
)

// PortRange 闭区间 [Begin, End]
type PortRange struct {
	Begin uint16 `json:"begin"`
	End   uint16 `json:"end"`
}

func (p PortRange) String() string {
	if p.Begin == p.End {
		return fmt.Sprintf("%d", p.Begin)
	}
	return fmt.Sprintf("%d-%d", p.Begin, p.End)
}

// Resource 一组可分配资源: CPU / 内存 / 磁盘 / 端口
// MilliCPU: 1000 = 1 核; Memory / Disk 单位为 MB
type Resource struct {
	MilliCPU int64       `json:"milli_cpu"`
	Memory   int64       `json:"memory"`
	Disk     int64       `json:"disk"`
	Ports    []PortRange `json:"ports,omitempty"`
}

// LessThan 判断 r 是否能被 other 容纳 (每一维都 <=, 端口为子集)
func (r *Resource) LessThan(other Resource) bool {
	if r.MilliCPU > other.MilliCPU || r.Memory > other.Memory || r.Disk > other.Disk {
		return false
	}
	for _, want := range r.Ports {
		for port := uint32(want.Begin); port <= uint32(want.End); port++ {
			if !containsPort(other.Ports, uint16(port)) {
				return false
			}
		}
	}
	return true
}

// Contains 是 LessThan 的反向写法: r 是否装得下 req
func (r Resource) Contains(req Resource) bool {
	return req.LessThan(r)
}

// Sub 返回 r - req. 调用方需先用 Contains 检查
func (r Resource) Sub(req Resource) Resource {
	out := Resource{
		MilliCPU: r.MilliCPU - req.MilliCPU,
		Memory:   r.Memory - req.Memory,
		Disk:     r.Disk - req.Disk,
		Ports:    append([]PortRange(nil), r.Ports...),
	}
	for _, rg := range req.Ports {
		for port := uint32(rg.Begin); port <= uint32(rg.End); port++ {
			out.Ports = removePort(out.Ports, uint16(port))
		}
	}
	return out
}

// Add 返回 r + other, 端口区间合并
func (r Resource) Add(other Resource) Resource {
	out := Resource{
		MilliCPU: r.MilliCPU + other.MilliCPU,
		Memory:   r.Memory + other.Memory,
		Disk:     r.Disk + other.Disk,
	}
	out.Ports = mergePorts(append(append([]PortRange(nil), r.Ports...), other.Ports...))
	return out
}

// IsZero 没有任何资源
func (r Resource) IsZero() bool {
	return r.MilliCPU == 0 && r.Memory == 0 && r.Disk == 0 && len(r.Ports) == 0
}

func (r Resource) String() string {
	parts := []string{
		fmt.Sprintf("cpus:%.2f", float64(r.MilliCPU)/1000),
		fmt.Sprintf("mem:%d", r.Memory),
		fmt.Sprintf("disk:%d", r.Disk),
	}
	if len(r.Ports) > 0 {
		ports := make([]string, 0, len(r.Ports))
		for _, p := range r.Ports {
			ports = append(ports, p.String())
		}
		parts = append(parts, "ports:["+strings.Join(ports, ",")+"]")
	}
	return strings.Join(parts, ";")
}

// SinglePorts 把若干单个端口转换成区间列表
func SinglePorts(ports ...uint16) []PortRange {
	ranges := make([]PortRange, 0, len(ports))
	for _, p := range ports {
		if p == 0 {
			continue
		}
		ranges = append(ranges, PortRange{Begin: p, End: p})
	}
	return mergePorts(ranges)
}

func containsPort(ranges []PortRange, port uint16) bool {
	for _, rg := range ranges {
		if port >= rg.Begin && port <= rg.End {
			return true
		}
	}
	return false
}

// removePort 从区间列表中挖掉一个端口, 必要时把区间一分为二
func removePort(ranges []PortRange, port uint16) []PortRange {
	out := make([]PortRange, 0, len(ranges)+1)
	for _, rg := range ranges {
		if port < rg.Begin || port > rg.End {
			out = append(out, rg)
			continue
		}
		if rg.Begin < port {
			out = append(out, PortRange{Begin: rg.Begin, End: port - 1})
		}
		if port < rg.End {
			out = append(out, PortRange{Begin: port + 1, End: rg.End})
		}
	}
	return out
}

// mergePorts 排序并合并重叠/相邻区间
func mergePorts(ranges []PortRange) []PortRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Begin < ranges[j].Begin })
	out := []PortRange{ranges[0]}
	for _, rg := range ranges[1:] {
		last := &out[len(out)-1]
		if uint32(rg.Begin) <= uint32(last.End)+1 {
			if rg.End > last.End {
				last.End = rg.End
			}
			continue
		}
		out = append(out, rg)
	}
	return out
}
