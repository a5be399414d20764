package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DrumRoom/cache"
	"DrumRoom/config"
	"DrumRoom/core/auth"
	"DrumRoom/core/room"
	"DrumRoom/db"
	"DrumRoom/logger"
	"DrumRoom/repository"
	"DrumRoom/storage"

	"github.com/gorilla/mux"
)

// corsMiddleware 允许浏览器客户端跨域访问
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter 注册所有路由；未配置数据库时不注册账号和节拍接口
func NewRouter(api *APIHandler, rooms *RoomHandler) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.HandleFunc("/ws", rooms.HandleWebSocket)
	router.HandleFunc("/api/rooms/check", rooms.CheckRoomsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/health", api.HealthHandler).Methods(http.MethodGet)

	if api.userRepo != nil {
		router.HandleFunc("/api/auth/register", api.RegisterHandler).Methods(http.MethodPost, http.MethodOptions)
		router.HandleFunc("/api/auth/login", api.LoginHandler).Methods(http.MethodPost, http.MethodOptions)
	}
	if api.beatRepo != nil {
		beats := router.PathPrefix("/api/beats").Subrouter()
		beats.HandleFunc("", api.AuthMiddleware(api.ListBeatsHandler)).Methods(http.MethodGet)
		beats.HandleFunc("", api.AuthMiddleware(api.CreateBeatHandler)).Methods(http.MethodPost)
		beats.HandleFunc("/{id:[0-9]+}", api.AuthMiddleware(api.GetBeatHandler)).Methods(http.MethodGet)
		beats.HandleFunc("/{id:[0-9]+}", api.AuthMiddleware(api.UpdateBeatHandler)).Methods(http.MethodPut)
		beats.HandleFunc("/{id:[0-9]+}", api.AuthMiddleware(api.DeleteBeatHandler)).Methods(http.MethodDelete)
		beats.HandleFunc("/{id:[0-9]+}/export", api.AuthMiddleware(api.ExportBeatHandler)).Methods(http.MethodPost)
	}
	return router
}

// Start initializes and starts the HTTP server. It blocks until SIGINT or
// SIGTERM, then shuts down and persists every open room.
func Start(cfg *config.Config) {
	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// 房间快照存到 Redis，连不上时只在内存中保存
	var store room.Store
	if cfg.RedisEnabled {
		if err := cache.ConnectRedis(cfg); err != nil {
			logger.Warn("redis unavailable, rooms will not survive a restart", logger.ErrorField(err))
		} else {
			defer cache.CloseRedis()
			store = cache.NewRoomCache()
			logger.Info("room snapshots stored in redis",
				logger.String("addr", cfg.RedisHost+":"+cfg.RedisPort))
		}
	}

	var userRepo repository.UserRepository
	var beatRepo repository.BeatRepository
	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Warn("database unavailable, accounts and saved beats disabled", logger.ErrorField(err))
	} else if err := db.AutoMigrate(); err != nil {
		logger.Error("database migration failed", logger.ErrorField(err))
		db.CloseGormDB()
	} else {
		defer db.CloseGormDB()
		userRepo = repository.NewGormUserRepository(db.GormDB)
		beatRepo = repository.NewGormBeatRepository(db.GormDB)
	}

	var exporter BeatExporter
	if cfg.MinioEnabled {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		e, err := storage.NewBeatExporter(initCtx, cfg)
		cancel()
		if err != nil {
			logger.Warn("minio unavailable, beat export disabled", logger.ErrorField(err))
		} else {
			exporter = e
		}
	}

	hub := room.NewHub()
	go hub.Run()
	registry := room.NewRegistry(store, room.Config{
		SweepInterval: cfg.RoomSweepInterval,
		IdleTTL:       cfg.RoomIdleTTL,
	})
	go registry.Run(ctx)
	manager := room.NewManager(registry, hub)

	api := NewAPIHandler(userRepo, beatRepo, exporter, auth.NewIssuer(cfg.JWTSecret, cfg.JWTExpiry), manager)
	srv := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     NewRouter(api, NewRoomHandler(manager)),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			logger.String("addr", cfg.ServerAddr),
			logger.Bool("persistence", userRepo != nil),
			logger.Bool("roomStore", store != nil),
			logger.Bool("export", exporter != nil))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", logger.ErrorField(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", logger.ErrorField(err))
	}
	registry.Close(shutdownCtx)
	hub.Stop()
	logger.Info("server stopped")
}
