package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SparkLLM-Demo/internal/chat"
	"SparkLLM-Demo/internal/config"
	"SparkLLM-Demo/internal/console"
	"SparkLLM-Demo/internal/demo"
	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/notify"
	"SparkLLM-Demo/internal/observability/metrics"
	"SparkLLM-Demo/internal/sdk"
	"SparkLLM-Demo/internal/sdk/mock"
	"SparkLLM-Demo/internal/sdk/ollama"
	"SparkLLM-Demo/internal/sdk/openai"
	"SparkLLM-Demo/internal/sdk/spark"
	"SparkLLM-Demo/internal/storage/redis"
	"SparkLLM-Demo/internal/storage/sqlstore"
	"SparkLLM-Demo/internal/transcript"
	"SparkLLM-Demo/pkg/logger"
)

// main 是演示程序的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sparkdemo 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("main")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	opener, err := createOpener(cfg.LLM)
	if err != nil {
		return err
	}

	runtime := sdk.NewRuntime(opener)
	if err := runtime.Init(cfg.LLM.Credentials()); err != nil {
		return err
	}
	defer func() {
		if err := runtime.Uninit(); err != nil {
			log.Warn("释放 SDK 失败", slog.Any("error", err))
		}
	}()

	policy, err := cfg.Memory.Policy()
	if err != nil {
		return err
	}
	openSession := func() (demo.Session, error) {
		session, err := runtime.CreateSession(cfg.LLM.Session(), policy)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	store, err := openTranscriptStore(ctx, cfg.Transcript)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := openPublisher(ctx, cfg.Notify)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("关闭通知队列失败", slog.Any("error", err))
		}
	}()

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder()
		server, err := metrics.StartServer(cfg.Metrics.Address, recorder)
		if err != nil {
			return err
		}
		log.Info("指标服务已启动", slog.String("address", cfg.Metrics.Address))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn("关闭指标服务失败", slog.Any("error", err))
			}
		}()
	}

	printer := console.New(os.Stdout)
	modes, err := demo.ParseModes(cfg.Demo.Modes)
	if err != nil {
		return err
	}
	runner, err := demo.New(openSession, cfg.LLM.Provider,
		demo.WithDispatcherOptions(
			chat.WithSink(chat.NewSink(chat.WithListener(printer))),
			chat.WithWaiter(chat.NewWaiter(cfg.Wait.MaxTurns, cfg.Wait.PollInterval())),
		),
		demo.WithStore(store),
		demo.WithPublisher(publisher),
		demo.WithMetrics(recorder),
		demo.WithPrinter(printer),
	)
	if err != nil {
		return err
	}

	printer.Section("llm Demo")
	summary, err := runner.Run(ctx, cfg.Demo.Prompts, modes)
	log.Info("演示结束",
		slog.Int("total", summary.Total()),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("timed_out", summary.TimedOut),
		slog.Int("rejected", summary.Rejected),
	)
	return err
}

func createOpener(cfg config.LLMConfig) (sdk.Opener, error) {
	switch cfg.Provider {
	case "spark":
		return spark.Opener(spark.WithLogger(logger.Named("spark"))), nil
	case "openai":
		return openai.Opener(cfg.OpenAI.BaseURL, nil), nil
	case "ollama":
		var opts []ollama.Option
		if cfg.Ollama.System != "" {
			opts = append(opts, ollama.WithSystem(cfg.Ollama.System))
		}
		return ollama.Opener(cfg.Ollama.Host, opts...), nil
	case "mock":
		return mock.New().Opener(false), nil
	default:
		return nil, xerrors.New(sdk.CodeBackendNotFound, fmt.Sprintf("unknown provider %q", cfg.Provider))
	}
}

func openTranscriptStore(ctx context.Context, cfg config.TranscriptConfig) (transcript.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return transcript.NewMemoryStore(), nil
	case "file":
		return transcript.NewFileStore(cfg.Path)
	case sqlstore.DriverMySQL, sqlstore.DriverSQLite:
		return sqlstore.Open(ctx, sqlstore.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
		})
	case "redis":
		return redis.Open(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	default:
		return nil, fmt.Errorf("未知的 transcript 驱动: %s", cfg.Driver)
	}
}

// openPublisher 创建完成通知的发布者。除 none 外，各驱动都会在进程内启动一个消费者
// 把通知写入日志，Close 时关闭队列并等待消费者退出。
func openPublisher(ctx context.Context, cfg config.NotifyConfig) (notify.Publisher, error) {
	var (
		queue notify.Queue
		err   error
	)
	switch cfg.Driver {
	case "", "none":
		return notify.Discard{}, nil
	case "memory":
		queue = notify.NewMemoryQueue(64)
	case "redis":
		queue, err = notify.NewRedisQueue(notify.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Key,
		})
	case "rabbitmq":
		queue, err = notify.NewRabbitMQQueue(notify.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的通知驱动: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return notify.StartRelay(ctx, queue, 1, logCompletion(logger.Named("notify"), cfg.Driver)), nil
}

func logCompletion(log *slog.Logger, driver string) notify.Handler {
	return func(_ context.Context, c notify.Completion) error {
		log.Info("request completed",
			slog.String("driver", driver),
			slog.String("request_id", c.RequestID),
			slog.String("mode", c.Mode),
			slog.String("status", c.Status),
		)
		return nil
	}
}
