package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/spf13/pflag"

	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"jobmatch-go/internal/api/handler"
	"jobmatch-go/internal/api/router"
	"jobmatch-go/internal/config"
	"jobmatch-go/internal/constants"
	"jobmatch-go/internal/llm"
	appCoreLogger "jobmatch-go/internal/logger"
	"jobmatch-go/internal/match"
	"jobmatch-go/internal/pool"
	"jobmatch-go/internal/query"
	"jobmatch-go/internal/storage"
	"jobmatch-go/internal/tracing"
	"jobmatch-go/pkg/ratelimit"
)

var (
	version     = "1.0.0"       //nolint:gochecknoglobals
	serviceName = "jobmatch-go" //nolint:gochecknoglobals
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	initLogger(cfg)
	glog.Infof("配置加载成功, 版本: %s", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化链路追踪
	shutdownTracer, err := tracing.InitTracerProvider(ctx, serviceName, cfg.Tracing.OTLPEndpoint)
	if err != nil {
		glog.Fatalf("初始化链路追踪失败: %v", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTracer(shutdownCtx); err != nil {
			glog.Warnf("关闭链路追踪失败: %v", err)
		}
	}()

	// 初始化存储
	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	componentLogger := newComponentLogger(cfg)

	// 嵌入服务商（主备 + 限流）
	primaryEmbedder, err := newEmbedder(cfg.Embedding.Primary)
	if err != nil {
		glog.Fatalf("初始化主嵌入服务商失败: %v", err)
	}
	secondaryEmbedder, err := newEmbedder(cfg.Embedding.Secondary)
	if err != nil {
		glog.Fatalf("初始化备嵌入服务商失败: %v", err)
	}
	failoverEmbedder := llm.NewFailoverEmbedder(
		primaryEmbedder, cfg.Embedding.Primary.Name,
		secondaryEmbedder, cfg.Embedding.Secondary.Name,
		time.Duration(cfg.Embedding.CooldownSeconds)*time.Second,
		componentLogger,
	)
	glog.Info("嵌入服务商初始化成功")

	// 对话服务商（主备 + 限流），查询提取与匹配解释共用
	primaryChat, err := newChatModel(cfg.Chat.Primary)
	if err != nil {
		glog.Fatalf("初始化主对话服务商失败: %v", err)
	}
	secondaryChat, err := newChatModel(cfg.Chat.Secondary)
	if err != nil {
		glog.Fatalf("初始化备对话服务商失败: %v", err)
	}
	failoverChat := llm.NewFailoverChatModel(
		primaryChat, cfg.Chat.Primary.Name,
		secondaryChat, cfg.Chat.Secondary.Name,
		time.Duration(cfg.Chat.CooldownSeconds)*time.Second,
		componentLogger,
	)
	glog.Info("对话服务商初始化成功")

	// 外部岗位搜索
	var searcher pool.ExternalSearcher
	if cfg.SerpAPI.APIKey != "" {
		serpClient, err := pool.NewSerpAPIClient(cfg.SerpAPI.APIKey, cfg.SerpAPI.BaseURL,
			pool.WithSerpAPIQPM(cfg.SerpAPI.QPM),
			pool.WithSerpAPITimeout(time.Duration(cfg.SerpAPI.TimeoutSeconds)*time.Second),
			pool.WithSerpAPILogger(componentLogger),
		)
		if err != nil {
			glog.Fatalf("初始化SerpAPI客户端失败: %v", err)
		}
		searcher = serpClient
		glog.Info("SerpAPI客户端初始化成功")
	} else {
		glog.Warn("SerpAPI未配置, 匹配池只使用本地岗位")
	}

	assembler := pool.NewAssembler(storageManager.MySQL, searcher,
		pool.WithAssemblerLogger(componentLogger),
		pool.WithDefaultSearchLocation(cfg.SerpAPI.DefaultLocation),
		pool.WithFetchLimit(cfg.SerpAPI.FetchLimit),
		pool.WithSourceCaps(cfg.Matcher.DirectCap, cfg.Matcher.AggregatorCap),
	)

	extractor := query.NewExtractor(failoverChat, query.WithExtractorLogger(componentLogger))
	explainer := match.NewExplainer(failoverChat, componentLogger)

	// 嵌入缓存：Redis可用时跨实例共享，否则用进程内LRU
	var embeddingCache match.EmbeddingCache
	if storageManager.Redis != nil {
		embeddingCache = match.NewRedisEmbeddingCache(storageManager.Redis.Client, storageManager.Redis.EmbeddingCacheTTL(), componentLogger)
		glog.Info("嵌入缓存使用Redis")
	} else {
		embeddingCache = match.NewLRUEmbeddingCache(cfg.Matcher.EmbeddingCacheSize)
		glog.Info("嵌入缓存使用进程内LRU")
	}

	engineOpts := []match.EngineOption{
		match.WithEngineLogger(componentLogger),
		match.WithExplainerComponent(explainer),
		match.WithNotFoundChecker(storage.IsNotFound),
	}
	if storageManager.RabbitMQ != nil {
		engineOpts = append(engineOpts, match.WithEventPublisher(storageManager.RabbitMQ))
	}

	engine := match.NewEngine(
		storageManager.MySQL,
		assembler,
		extractor,
		failoverEmbedder,
		embeddingCache,
		match.EngineConfig{
			MinSimilarity:      *cfg.Matcher.MinSimilarity,
			TopK:               cfg.Matcher.TopK,
			Workers:            cfg.Matcher.Workers,
			PoolFetchTimeout:   config.GetDuration(cfg.Matcher.PoolFetchTimeout, constants.DefaultPoolFetchTimeout),
			EmbeddingTimeout:   config.GetDuration(cfg.Matcher.EmbeddingTimeout, constants.DefaultEmbeddingTimeout),
			ExplanationTimeout: config.GetDuration(cfg.Matcher.ExplanationTimeout, constants.DefaultExplanationTimeout),
		},
		engineOpts...,
	)
	glog.Info("匹配引擎初始化成功")

	matchHandler := handler.NewMatchHandler(engine)

	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		tracer,
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))

	router.RegisterRoutes(h, matchHandler, cfg.Server.APIKey)
	glog.Info("HTTP路由注册成功")

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("服务器关闭失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

// newEmbedder 按配置创建单个嵌入服务商客户端，QPM>0时套限流代理
func newEmbedder(p config.ProviderConfig) (embedding.Embedder, error) {
	base, err := llm.NewOpenAIEmbedder(p.Name, p.APIKey, p.Model, p.BaseURL)
	if err != nil {
		return nil, err
	}
	if p.QPM > 0 {
		return ratelimit.NewRateLimitedEmbedder(base, p.QPM), nil
	}
	return base, nil
}

// newChatModel 按配置创建单个对话服务商客户端，QPM>0时套限流代理
func newChatModel(p config.ProviderConfig) (model.ToolCallingChatModel, error) {
	base, err := llm.NewOpenAIChatModel(p.Name, p.APIKey, p.Model, p.BaseURL)
	if err != nil {
		return nil, err
	}
	if p.QPM > 0 {
		return ratelimit.NewRateLimitedLLMModel(base, p.QPM), nil
	}
	return base, nil
}

// newComponentLogger 为各组件创建stdlib logger，debug级别时输出到stderr
func newComponentLogger(cfg *config.Config) *log.Logger {
	if cfg.Logger.Level == "debug" {
		return log.New(os.Stderr, "[JobMatch] ", log.LstdFlags|log.Lshortfile)
	}
	return log.New(io.Discard, "", 0)
}

func initLogger(cfg *config.Config) {
	appCoreLogger.Init(appCoreLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})

	// Hertz 的 glog 走同一个 zerolog 实例
	hertzCompatibleLogger := hertzadapter.From(appCoreLogger.Logger)
	glog.SetLogger(hertzCompatibleLogger)
}
