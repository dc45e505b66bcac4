package worker

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"keel/pkg/model"
	"keel/pkg/probe"
)

// SetupFileName 设备标识文件, 放在设备挂载点的根目录
const SetupFileName = "KEEL_DEV_SETUP"

// 标记目录 -> 设备类型
var markerDirs = map[string]model.DeviceType{
	"keel-registry": model.DeviceRegistry,
	"keel-metadata": model.DeviceMetadata,
	"keel-data":     model.DeviceData,
}

// 标识文件中的 device.type 行 -> 设备类型
var setupTypes = map[string]model.DeviceType{
	"device.type=REGISTRY_DEVICE": model.DeviceRegistry,
	"device.type=METADATA_DEVICE": model.DeviceMetadata,
	"device.type=DATA_DEVICE":     model.DeviceData,
}

// Prober 扫描本机挂载的 ext4 / xfs 文件系统, 找出能承担存储角色的设备
type Prober struct {
	mountsFile       string
	clientMountPoint string
	log              *zap.Logger
}

func NewProber(mountsFile, clientMountPoint string, log *zap.Logger) *Prober {
	return &Prober{mountsFile: mountsFile, clientMountPoint: clientMountPoint, log: log}
}

// Probe 执行一次探测. 单个挂载点读取失败只记录日志
func (p *Prober) Probe(req *probe.Request) *probe.Response {
	if req.InitializePath != "" {
		if err := initializeDevice(req.InitializePath); err != nil {
			p.log.Warn("initialize device failed", zap.String("path", req.InitializePath), zap.Error(err))
		}
	}

	found := model.NewDeviceSet()
	for _, mnt := range p.mountPoints() {
		p.log.Debug("investigating", zap.String("mount", mnt))
		for dir, t := range markerDirs {
			if isDir(filepath.Join(mnt, dir)) {
				found[t] = struct{}{}
			}
		}
		for _, t := range readSetupFile(filepath.Join(mnt, SetupFileName)) {
			found[t] = struct{}{}
		}
	}

	resp := &probe.Response{}
	if req.ClientDirectory != "" && exists(req.ClientDirectory) {
		resp.DeviceTypes = append(resp.DeviceTypes, model.DeviceClient)
	}
	resp.DeviceTypes = append(resp.DeviceTypes, found.Sorted()...)
	if p.clientMountPoint != "" && isDir(p.clientMountPoint) {
		resp.ClientMountPoint = true
	}
	p.log.Info("found device types",
		zap.Any("device_types", resp.DeviceTypes),
		zap.Bool("client_mount_point", resp.ClientMountPoint))
	return resp
}

// mountPoints 挂载表中 ext4 / xfs 的挂载点. 格式: <设备> <挂载点> <类型> ...
func (p *Prober) mountPoints() []string {
	f, err := os.Open(p.mountsFile)
	if err != nil {
		p.log.Error("read mounts failed", zap.String("file", p.mountsFile), zap.Error(err))
		return nil
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			p.log.Warn("could not parse mount line", zap.String("line", scanner.Text()))
			continue
		}
		switch fields[2] {
		case "ext4", "xfs":
			out = append(out, unescapeMount(fields[1]))
		}
	}
	return out
}

// initializeDevice 目录还没有标识文件时写入一个, 默认作为数据设备
func initializeDevice(path string) error {
	name := filepath.Join(path, SetupFileName)
	if exists(name) {
		return nil
	}
	serial := make([]byte, 8)
	if _, err := rand.Read(serial); err != nil {
		return err
	}
	content := fmt.Sprintf("# keel device identifier file (written by keel agent)\n"+
		"device.serial=%s\n"+
		"device.model=Unknown\n"+
		"device.type=DATA_DEVICE\n", hex.EncodeToString(serial))
	return os.WriteFile(name, []byte(content), 0o644)
}

func readSetupFile(name string) []model.DeviceType {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil
	}
	var out []model.DeviceType
	for _, line := range strings.Split(string(data), "\n") {
		if t, ok := setupTypes[strings.TrimSpace(line)]; ok {
			out = append(out, t)
		}
	}
	return out
}

// unescapeMount 挂载表里空格等字符写成八进制转义, 例如 \040
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
