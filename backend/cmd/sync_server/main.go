package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"boardsync/backend/internal/cache"
	"boardsync/backend/internal/collab"
	"boardsync/backend/internal/httpapi/middleware"
	"boardsync/backend/internal/store"
	"boardsync/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Redis struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"Redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	Collab struct {
		PresenceTTLSeconds   int `mapstructure:"presenceTTLSeconds"`
		CursorTTLSeconds     int `mapstructure:"cursorTTLSeconds"`
		LockTTLSeconds       int `mapstructure:"lockTTLSeconds"`
		LockMaxTTLSeconds    int `mapstructure:"lockMaxTTLSeconds"`
		OpLogHorizonSeconds  int `mapstructure:"opLogHorizonSeconds"`
		SweepIntervalSeconds int `mapstructure:"sweepIntervalSeconds"`
	} `mapstructure:"Collab"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse redis url failed: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// === Kafka Producer（未配置 broker 时事件流关闭）===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		kafkaSem := collab.NewSemaphoreControl(100)
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			kafkaSem,
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 每个实例一个 id，Pub/Sub 转发时跳过自己的回声
	hub := ws.NewHub(uuid.NewString(), rdb)
	go hub.RunRelay(ctx)

	shared := cache.NewRedisStoreWithClient(rdb)
	itemStore := store.NewItemStore(db)

	presence := collab.NewPresenceRegistry(shared, hub, seconds(cfg.Collab.PresenceTTLSeconds, 60))
	cursors := collab.NewCursorBroadcaster(shared, hub, seconds(cfg.Collab.CursorTTLSeconds, 10))
	locks := collab.NewFieldLockManager(shared, hub,
		seconds(cfg.Collab.LockTTLSeconds, 30),
		seconds(cfg.Collab.LockMaxTTLSeconds, 300))
	transformer := collab.NewOperationTransformer(shared, itemStore, hub, dispatcher,
		seconds(cfg.Collab.OpLogHorizonSeconds, 600))

	sweeper := collab.NewSweeper(presence, locks, seconds(cfg.Collab.SweepIntervalSeconds, 15))
	go sweeper.Run(ctx)

	wsSem := collab.NewSemaphoreControl(100)
	manager := ws.NewManager(hub, ws.Services{
		Presence:    presence,
		Cursors:     cursors,
		Locks:       locks,
		Transformer: transformer,
	}, wsSem)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// 存活探针不走鉴权
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	sync := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，调用 /v1/auth/verify，写入 userId/username
	sync.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	sync.GET("/ws", manager.WebSocketConnect)

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
