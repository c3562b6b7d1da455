package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"docguard/backend/internal/collab"
	"docguard/backend/internal/health"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Lock struct {
		Mode                  string        `mapstructure:"mode"`
		BufferStaleAfter      time.Duration `mapstructure:"bufferStaleAfter"`
		CoordinatorStaleAfter time.Duration `mapstructure:"coordinatorStaleAfter"`
	} `mapstructure:"lock"`
	Snapshots struct {
		MaxPerDocument int `mapstructure:"maxPerDocument"`
		// KeepPersisted 为 0 时 MySQL 里不裁剪，默认 10 倍内存上限
		KeepPersisted int `mapstructure:"keepPersisted"`
	} `mapstructure:"snapshots"`
	Coordinator struct {
		StuckAfter         time.Duration `mapstructure:"stuckAfter"`
		SyncMargin         time.Duration `mapstructure:"syncMargin"`
		OperationRetention time.Duration `mapstructure:"operationRetention"`
		OperationTimeout   time.Duration `mapstructure:"operationTimeout"`
	} `mapstructure:"coordinator"`
	Health struct {
		Interval            time.Duration `mapstructure:"interval"`
		MaxOpsPerMinute     int           `mapstructure:"maxOpsPerMinute"`
		MaxAvgOperationTime time.Duration `mapstructure:"maxAvgOperationTime"`
		MaxErrorRate        float64       `mapstructure:"maxErrorRate"`
		MinHealthScore      float64       `mapstructure:"minHealthScore"`
	} `mapstructure:"health"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Semaphore struct {
		Kafka int `mapstructure:"kafka"`
		WS    int `mapstructure:"ws"`
	} `mapstructure:"semaphore"`
	Cors struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"cors"`
	Auth struct {
		// Secret 为空时不校验令牌
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8083)
	v.SetDefault("log.level", "info")
	v.SetDefault("lock.mode", string(collab.LockShared))
	v.SetDefault("lock.bufferStaleAfter", collab.DefaultBufferStaleAfter)
	v.SetDefault("lock.coordinatorStaleAfter", collab.DefaultCoordinatorStaleAfter)
	v.SetDefault("snapshots.maxPerDocument", collab.DefaultMaxSnapshots)
	v.SetDefault("snapshots.keepPersisted", 10*collab.DefaultMaxSnapshots)
	v.SetDefault("coordinator.stuckAfter", collab.DefaultStuckAfter)
	v.SetDefault("coordinator.syncMargin", collab.DefaultSyncMargin)
	v.SetDefault("coordinator.operationRetention", collab.DefaultOperationRetention)
	v.SetDefault("coordinator.operationTimeout", 35*time.Second)

	th := health.DefaultThresholds()
	v.SetDefault("health.interval", 5*time.Second)
	v.SetDefault("health.maxOpsPerMinute", th.MaxOpsPerMinute)
	v.SetDefault("health.maxAvgOperationTime", th.MaxAvgOperationTime)
	v.SetDefault("health.maxErrorRate", th.MaxErrorRate)
	v.SetDefault("health.minHealthScore", th.MinHealthScore)

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "docguard-snapshots")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("semaphore.kafka", 100)
	v.SetDefault("semaphore.ws", 100)
	v.SetDefault("cors.enabled", true)
	v.SetDefault("auth.secret", "")
}

// New 准备 viper 实例：默认值 + DOCGUARD_ 前缀环境变量 + 配置文件搜索路径
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("docguardConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("DOCGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load 读取配置；配置文件不存在时只用默认值和环境变量
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.LockMode() {
	case collab.LockShared, collab.LockPerDocument:
	default:
		return errors.Errorf("unknown lock.mode %q", c.Lock.Mode)
	}
	if c.Running.Port <= 0 {
		return errors.Errorf("invalid running.port %d", c.Running.Port)
	}
	if c.Snapshots.MaxPerDocument <= 0 {
		return errors.Errorf("snapshots.maxPerDocument must be positive, got %d", c.Snapshots.MaxPerDocument)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

func (c *Config) LockMode() collab.LockMode {
	return collab.LockMode(c.Lock.Mode)
}

func (c *Config) LogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

func (c *Config) Thresholds() health.Thresholds {
	return health.Thresholds{
		MaxOpsPerMinute:     c.Health.MaxOpsPerMinute,
		MaxAvgOperationTime: c.Health.MaxAvgOperationTime,
		MaxErrorRate:        c.Health.MaxErrorRate,
		MinHealthScore:      c.Health.MinHealthScore,
	}
}

// Watch 配置文件变化时重新解析并回调；解析失败保留旧配置。
// 只有阈值和日志级别这类可热更新的项才应该在回调里生效。
func Watch(v *viper.Viper, logger logrus.FieldLogger, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.WithError(err).WithField("file", e.Name).Warn("config reload rejected")
			return
		}
		logger.WithFields(logrus.Fields{
			"file": e.Name,
			"op":   e.Op.String(),
		}).Info("config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
}
