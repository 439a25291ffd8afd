package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	ADB      ADBConfig      `mapstructure:"adb"`
	Devices  []DeviceConfig `mapstructure:"devices"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时写接口不鉴权
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// ADBConfig adb 全局配置
type ADBConfig struct {
	Binary        string `mapstructure:"binary"`
	Timeout       int    `mapstructure:"timeout"`        // seconds, 单条命令超时
	RetryAttempts int    `mapstructure:"retry_attempts"` // adb 连接类错误重试次数
	HealthCheck   int    `mapstructure:"health_check"`   // seconds, 0 表示关闭
}

// DeviceConfig 被调试的设备
type DeviceConfig struct {
	ID        string `mapstructure:"id"`
	ADBTarget string `mapstructure:"adb_target"` // serial 或 host:port
	UseSu     bool   `mapstructure:"use_su"`
	SDK       int    `mapstructure:"sdk"` // 0 表示连接后通过 getprop 读取
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueSize   int `mapstructure:"queue_size"`
}

// WatcherConfig dump 文件目录监控
type WatcherConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DumpDir      string `mapstructure:"dump_dir"`
	Pattern      string `mapstructure:"pattern"`
	Debounce     int    `mapstructure:"debounce_ms"`
	ScanExisting bool   `mapstructure:"scan_existing"` // 启动时导入目录中已有的文件
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// CommandTimeout adb 命令超时
func (c ADBConfig) CommandTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

// DebounceInterval 文件防抖时间
func (c WatcherConfig) DebounceInterval() time.Duration {
	if c.Debounce <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Debounce) * time.Millisecond
}

// Device 按 ID 查找设备
func (c *Config) Device(id string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.api_token", "")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/snapshots.db")
	v.SetDefault("rabbitmq.queue", "devhelper.capture")
	v.SetDefault("adb.binary", "adb")
	v.SetDefault("adb.timeout", 30)
	v.SetDefault("adb.retry_attempts", 3)
	v.SetDefault("adb.health_check", 30)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)
	v.SetDefault("watcher.dump_dir", "./dumps")
	v.SetDefault("watcher.pattern", "*.txt")
	v.SetDefault("watcher.debounce_ms", 2000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	// DEVHELPER_SERVER_PORT -> server.port
	v.SetEnvPrefix("devhelper")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 和部署脚本共用的环境变量
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
