// Package config 负责 master / worker 的配置加载.
//
// 配置先取 Default(), 再用 YAML 文件覆盖, 最后由命令行参数覆盖.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// ErrMissingImage 没有配置服务镜像, master 无法下发任何服务
var ErrMissingImage = errors.New("config: scheduler.docker_image must be set")

// ByteSize 支持 "2GiB" / "512MB" 这类写法, 也接受纯数字 (字节)
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return units.BytesSize(float64(b)), nil
}

// MB 换算成调度器使用的 MB 单位
func (b ByteSize) MB() int64 {
	return int64(b) / units.MiB
}

// Config 总配置
type Config struct {
	// Deployment 部署名, 决定持久化状态的 key 和总线前缀
	Deployment string `yaml:"deployment"`

	Etcd      EtcdConfig      `yaml:"etcd"`
	State     StateConfig     `yaml:"state"`
	HTTP      HTTPConfig      `yaml:"http"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Services  ServicesConfig  `yaml:"services"`
	Agent     AgentConfig     `yaml:"agent"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// Prefix 所有 key 的根路径, 实际前缀为 <prefix>/<deployment>
	Prefix string `yaml:"prefix"`
}

// StateConfig 调度器状态的持久化后端
type StateConfig struct {
	// Backend: etcd | bolt | memory
	Backend  string `yaml:"backend"`
	BoltPath string `yaml:"bolt_path"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
	// VersionWritesPerMinute 版本写入限流, 0 表示不限
	VersionWritesPerMinute int `yaml:"version_writes_per_minute"`
}

type SchedulerConfig struct {
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	ProberKeepalive time.Duration `yaml:"prober_keepalive"`
	OfferInterval   time.Duration `yaml:"offer_interval"`

	// RestrictHosts 非空时只在这些主机上调度
	RestrictHosts []string `yaml:"restrict_hosts"`
	// PublicRole 非空时 api / console 只放到带该角色的 offer 上
	PublicRole string `yaml:"public_role"`

	DockerImage     string `yaml:"docker_image"`
	DNSDomain       string `yaml:"dns_domain"`
	DeviceDirectory string `yaml:"device_directory"`

	// 透传给 prober 的探测参数
	InitializePath  string `yaml:"initialize_path"`
	ClientDirectory string `yaml:"client_directory"`
}

// TaskConfig 单个服务的资源与端口
type TaskConfig struct {
	CPU      float64  `yaml:"cpu"`
	Memory   ByteSize `yaml:"memory"`
	Disk     ByteSize `yaml:"disk"`
	RPCPort  uint16   `yaml:"rpc_port"`
	HTTPPort uint16   `yaml:"http_port"`
}

type ServicesConfig struct {
	Prober   TaskConfig `yaml:"prober"`
	Registry TaskConfig `yaml:"registry"`
	Metadata TaskConfig `yaml:"metadata"`
	Data     TaskConfig `yaml:"data"`
	Client   TaskConfig `yaml:"client"`
	API      TaskConfig `yaml:"api"`
	Console  TaskConfig `yaml:"console"`
}

// AgentConfig worker 节点配置
type AgentConfig struct {
	Hostname     string        `yaml:"hostname"`
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`
	Roles        []string      `yaml:"roles"`

	CPU    float64  `yaml:"cpu"`
	Memory ByteSize `yaml:"memory"`
	Disk   ByteSize `yaml:"disk"`
	// Ports 可分配端口区间, 例如 "7000-8000"
	Ports []string `yaml:"ports"`

	// MountsFile prober 扫描的挂载表
	MountsFile string `yaml:"mounts_file"`
	// ClientMountPoint 存在即认为节点有客户端挂载点
	ClientMountPoint string `yaml:"client_mount_point"`
}

const (
	registryRPCPort  = 7860
	registryHTTPPort = 7861
)

// Default 默认配置. 端口从 registry 开始每个服务 +10
func Default() *Config {
	return &Config{
		Deployment: "default",
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
			Prefix:      "/keel",
		},
		State: StateConfig{
			Backend:  "etcd",
			BoltPath: "keel-state.db",
		},
		HTTP: HTTPConfig{
			Listen:                 ":7888",
			VersionWritesPerMinute: 10,
		},
		Scheduler: SchedulerConfig{
			ProbeInterval:   60 * time.Second,
			ProberKeepalive: 60 * time.Second,
			OfferInterval:   5 * time.Second,
			DNSDomain:       "keel",
			DeviceDirectory: "/mnt/keel-devices",
		},
		Services: ServicesConfig{
			Prober:   TaskConfig{CPU: 0.1, Memory: 8 * units.MiB, Disk: 512 * units.MiB},
			Registry: TaskConfig{CPU: 1.0, Memory: 2048 * units.MiB, RPCPort: registryRPCPort, HTTPPort: registryHTTPPort},
			Metadata: TaskConfig{CPU: 1.0, Memory: 8192 * units.MiB, RPCPort: registryRPCPort + 10, HTTPPort: registryHTTPPort + 10},
			Data:     TaskConfig{CPU: 1.0, Memory: 4096 * units.MiB, RPCPort: registryRPCPort + 20, HTTPPort: registryHTTPPort + 20},
			API:      TaskConfig{CPU: 0.1, Memory: 512 * units.MiB, RPCPort: registryRPCPort + 30, HTTPPort: registryHTTPPort + 30},
			Console:  TaskConfig{CPU: 0.1, Memory: 512 * units.MiB, RPCPort: registryRPCPort + 40, HTTPPort: registryHTTPPort + 40},
			Client:   TaskConfig{CPU: 0.5, Memory: 1024 * units.MiB},
		},
		Agent: AgentConfig{
			HeartbeatTTL:     10 * time.Second,
			CPU:              4,
			Memory:           8 * units.GiB,
			Disk:             100 * units.GiB,
			Ports:            []string{"7000-8000"},
			MountsFile:       "/proc/mounts",
			ClientMountPoint: "/keel",
		},
	}
}

// Load 读取 path 指向的 YAML 文件并覆盖默认值. path 为空时只返回默认值
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Prefix 当前部署的 etcd key 前缀
func (c *Config) Prefix() string {
	return c.Etcd.Prefix + "/" + c.Deployment
}

// StateKey 调度器状态的 key
func (c *Config) StateKey() string {
	return "scheduler-" + c.Deployment
}

// ValidateMaster master 启动前的必填项检查
func (c *Config) ValidateMaster() error {
	if c.Scheduler.DockerImage == "" {
		return ErrMissingImage
	}
	switch c.State.Backend {
	case "etcd", "bolt", "memory":
	default:
		return fmt.Errorf("config: unknown state backend %q", c.State.Backend)
	}
	if c.Scheduler.OfferInterval <= 0 {
		return errors.New("config: scheduler.offer_interval must be positive")
	}
	return nil
}
