package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type CollabConfig struct {
	Running struct {
		Port         int      `mapstructure:"port"`
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"Running"`
	Store struct {
		// memory | mysql | postgres
		Driver      string `mapstructure:"driver"`
		MysqlDSN    string `mapstructure:"mysqlDsn"`
		PostgresDSN string `mapstructure:"postgresDsn"`
		AutoMigrate bool   `mapstructure:"autoMigrate"`
	} `mapstructure:"Store"`
	Redis struct {
		// 为空时关闭在线状态、快照缓存和跨实例广播
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presenceTTL"`
	} `mapstructure:"Redis"`
	Kafka struct {
		// 为空时不发事件
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"Kafka"`
	Auth struct {
		JWTSecret string        `mapstructure:"jwtSecret"`
		TokenTTL  time.Duration `mapstructure:"tokenTTL"`
	} `mapstructure:"Auth"`
	Collab struct {
		SnapshotEvery   int  `mapstructure:"snapshotEvery"`
		PruneOnSnapshot bool `mapstructure:"pruneOnSnapshot"`
		SubmitSlots     int  `mapstructure:"submitSlots"`
		// 文档多久无人访问后释放内存中的内容，0 表示不回收
		IdleEvict time.Duration `mapstructure:"idleEvict"`
	} `mapstructure:"Collab"`
	Client struct {
		ServerURL string        `mapstructure:"serverURL"`
		Token     string        `mapstructure:"token"`
		UserID    uint64        `mapstructure:"userID"`
		UserName  string        `mapstructure:"userName"`
		Tick      time.Duration `mapstructure:"tick"`
	} `mapstructure:"Client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Running.port", 8080)
	v.SetDefault("Store.driver", "memory")
	v.SetDefault("Store.autoMigrate", true)
	v.SetDefault("Redis.presenceTTL", 30*time.Second)
	v.SetDefault("Kafka.topic", "doc-steps")
	v.SetDefault("Kafka.queueSize", 10_000)
	v.SetDefault("Kafka.workers", 4)
	v.SetDefault("Kafka.maxRetry", 3)
	v.SetDefault("Auth.jwtSecret", "dev-secret")
	v.SetDefault("Auth.tokenTTL", 24*time.Hour)
	v.SetDefault("Collab.snapshotEvery", 200)
	v.SetDefault("Collab.submitSlots", 100)
	v.SetDefault("Collab.idleEvict", 10*time.Minute)
	v.SetDefault("Client.serverURL", "http://localhost:8080")
	v.SetDefault("Client.tick", time.Second)
}

// Load 读取 collabConfig.yaml；找不到文件时只用默认值和环境变量
func Load(paths ...string) (*CollabConfig, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)

	// COLLAB_STORE_DRIVER=postgres 覆盖 Store.driver
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &CollabConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
