package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"smartnotify/internal/config"
	"smartnotify/internal/database"
	"smartnotify/internal/handlers"
	"smartnotify/internal/jobs"
	"smartnotify/internal/logging"
	"smartnotify/internal/middleware"
	"smartnotify/internal/models"
	"smartnotify/internal/services"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting SmartNotify Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s)", cfg.Port)

	loc, err := cfg.ReferenceLocation()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	log.Printf("🕐 Rate-limit days roll over at midnight in %s", loc)

	metrics := services.InitMetrics()

	// MongoDB holds the chat data (messages, conversations, preferences)
	// this service reads. It is not optional.
	if cfg.MongoURI == "" {
		log.Fatal("❌ MONGODB_URI environment variable is required")
	}
	mongoDB, err := database.NewMongoDB(cfg.MongoURI)
	if err != nil {
		log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
	}
	defer mongoDB.Close(context.Background())

	// Redis is preferred for cache entries and quota counters. Without it the
	// service runs single-node: cached results go to MongoDB and counters to
	// the embedded SQLite store.
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️  Failed to connect to Redis: %v (falling back to single-node stores)", err)
			redisService = nil
		} else {
			defer redisService.Close()
			log.Println("✅ Redis connected successfully")
		}
	}

	var (
		cacheStore   services.CacheStore
		counterStore services.CounterStore
		sqliteStore  *database.SQLiteStore
	)
	mongoCacheStore := services.NewMongoCacheStore(mongoDB)
	if redisService != nil {
		cacheStore = services.NewRedisCacheStore(redisService)
		counterStore = redisService
	} else {
		sqliteStore, err = database.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("❌ Failed to open SQLite store at %s: %v", cfg.SQLitePath, err)
		}
		defer sqliteStore.Close()
		cacheStore = mongoCacheStore
		counterStore = sqliteStore
		log.Printf("✅ Single-node mode: MongoDB cache, SQLite counters (%s)", cfg.SQLitePath)
	}

	conversationStore := services.NewMongoConversationStore(mongoDB)
	vectorStore := services.NewMongoVectorStore(mongoDB)

	modelClient := services.NewOpenAIModelClient(services.OpenAIModelConfig{
		BaseURL:           cfg.ModelBaseURL,
		APIKey:            cfg.ModelAPIKey,
		Model:             cfg.ModelName,
		EmbeddingModel:    cfg.EmbeddingModel,
		Timeout:           cfg.ModelTimeout,
		RequestsPerSecond: cfg.ModelRequestsPerS,
	})

	embedder := services.NewEmbeddingService(modelClient, vectorStore)
	embedder.Start()

	// Heuristic rules: built-in defaults, optionally overridden by a YAML
	// file that hot-reloads on change
	rules := config.DefaultHeuristicRules()
	if cfg.RulesFile != "" {
		loaded, err := config.LoadHeuristicRules(cfg.RulesFile)
		if err != nil {
			log.Printf("⚠️  Failed to load heuristic rules from %s: %v (using defaults)", cfg.RulesFile, err)
		} else {
			rules = loaded
			log.Printf("✅ Heuristic rules loaded from %s", cfg.RulesFile)
		}
	}
	heuristicFilter := services.NewHeuristicFilter(rules)
	if cfg.RulesFile != "" {
		go startRulesFileWatcher(cfg.RulesFile, heuristicFilter)
	}

	resultCache := services.NewResultCacheService(cacheStore, metrics)
	staleness := services.NewStalenessEvaluator(cfg.StalenessMessageDelta, cfg.StalenessAgeHours)
	rateLimiter := services.NewRateLimiterService(counterStore, loc)
	contextBuilder := services.NewContextBuilderService(conversationStore, vectorStore)

	engine := services.NewDecisionEngine(
		resultCache,
		staleness,
		rateLimiter,
		heuristicFilter,
		contextBuilder,
		modelClient,
		conversationStore,
		metrics,
		services.DecisionEngineConfig{
			DailyLimit:    cfg.DailyLimits[models.FeatureNotificationDecision],
			CacheTTLHours: cfg.CacheTTLHours,
			ModelTimeout:  cfg.ModelTimeout,
			Bounds: services.ContextBounds{
				MaxRecentMessages:  cfg.RecentMessageWindow,
				MaxConversations:   10,
				MaxSemanticResults: cfg.SemanticResultLimit,
			},
		},
	)
	engine.SetEmbedder(embedder)

	featuresService := services.NewAIFeaturesService(
		resultCache,
		staleness,
		rateLimiter,
		modelClient,
		conversationStore,
		vectorStore,
		services.AIFeaturesConfig{
			DailyLimits:   cfg.DailyLimits,
			CacheTTLHours: cfg.CacheTTLHours,
			ModelTimeout:  cfg.ModelTimeout,
		},
	)

	// Background maintenance: cache sweep + embedding backfill
	maintenance, err := jobs.NewMaintenanceScheduler(cfg.CacheSweepInterval, cfg.EmbedBackfillInterval, embedder, conversationStore)
	if err != nil {
		log.Fatalf("❌ Failed to create maintenance scheduler: %v", err)
	}
	maintenance.RegisterSweeper("mongodb", mongoCacheStore)
	if sqliteStore != nil {
		maintenance.RegisterSweeper("sqlite", sqliteStore)
	}
	if err := maintenance.Start(); err != nil {
		log.Fatalf("❌ Failed to start maintenance scheduler: %v", err)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "SmartNotify v1.0",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second, // model calls can take a while
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("smartnotify")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Analyze=%d/min",
		rateLimitConfig.GlobalAPIMax, rateLimitConfig.AnalyzeMax)

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))

	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))
	app.Use("/api", middleware.ServiceAuthMiddleware(cfg.JWTSecret, cfg.Environment))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(mongoDB, redisService)
	notificationHandler := handlers.NewNotificationHandler(engine, rateLimiter, cfg.DailyLimits)
	featuresHandler := handlers.NewFeaturesHandler(featuresService)

	// Routes
	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api")
	api.Post("/notifications/analyze", middleware.AnalyzeRateLimiter(rateLimitConfig), notificationHandler.Analyze)
	api.Get("/quota/:userId/:feature", notificationHandler.GetQuota)
	api.Post("/summaries/:conversationId", featuresHandler.Summarize)
	api.Post("/action-items/:conversationId", featuresHandler.ActionItems)
	api.Get("/search", featuresHandler.Search)

	log.Printf("🌐 Server starting on port %s", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("🕐 Background jobs: cache sweep (every %v), embedding backfill (every %v)",
		cfg.CacheSweepInterval, cfg.EmbedBackfillInterval)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		maintenance.Stop()
		embedder.Stop()

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// startRulesFileWatcher watches the heuristic rules file and hot-swaps the
// filter's rules when it changes
func startRulesFileWatcher(filePath string, filter *services.HeuristicFilter) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", filePath, err)
		watcher.Close()
		return
	}

	// Watch the directory containing the file (more reliable than watching
	// the file directly; editors replace files on save)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		watcher.Close()
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", filePath)

	// Debounce rapid successive writes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					rules, err := config.LoadHeuristicRules(filePath)
					if err != nil {
						log.Printf("❌ Failed to reload heuristic rules: %v", err)
						return
					}
					filter.ReloadRules(rules)
					log.Printf("✅ Heuristic rules reloaded from %s", filePath)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}
