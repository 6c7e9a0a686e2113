package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/ident-api/api/swagger"
	"github.com/noah-isme/ident-api/internal/handler"
	"github.com/noah-isme/ident-api/internal/middleware"
	"github.com/noah-isme/ident-api/internal/repository"
	"github.com/noah-isme/ident-api/internal/service"
	"github.com/noah-isme/ident-api/pkg/cache"
	"github.com/noah-isme/ident-api/pkg/config"
	"github.com/noah-isme/ident-api/pkg/database"
	"github.com/noah-isme/ident-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/ident-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/ident-api/pkg/middleware/requestid"
)

// @title Ident API
// @version 1.0.0
// @description Device trust and token lifecycle service
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	securityCache := repository.NewSecurityCacheRepository(redisClient, logr)
	defer securityCache.Close() //nolint:errcheck

	metricsSvc := service.NewMetricsService()

	tokenSvc := service.NewTokenService(tokenRepo, securityCache, logr, service.TokenConfig{
		Secret:             cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.JWT.RefreshTokenExpiry,
		Issuer:             cfg.JWT.Issuer,
	})

	anomalySvc := service.NewAnomalyService(securityCache, logr, service.AnomalyConfig{
		NewDeviceLimit: cfg.Anomaly.NewDeviceLimit,
		DistinctIPMax:  cfg.Anomaly.DistinctIPMax,
		Window:         cfg.Anomaly.Window,
	})

	deviceSvc := service.NewDeviceService(deviceRepo, tokenSvc, userRepo, anomalySvc, validate, logr, service.DeviceConfig{
		MaxActive: cfg.Devices.MaxActive,
	})

	captchaSvc := service.NewCaptchaService(logr, service.CaptchaConfig{
		VerifyURL: cfg.Captcha.VerifyURL,
		Secret:    cfg.Captcha.Secret,
		Timeout:   cfg.Captcha.Timeout,
	})

	authSvc := service.NewAuthService(userRepo, deviceSvc, tokenSvc, captchaSvc, securityCache, metricsSvc, validate, logr, service.AuthConfig{
		SessionSummaryTTL: cfg.Sessions.SummaryTTL,
	})

	authHandler := handler.NewAuthHandler(authSvc)
	deviceHandler := handler.NewDeviceHandler(deviceSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.GET("/session", middleware.JWT(tokenSvc), authHandler.Session)
	auth.POST("/logout", middleware.JWT(tokenSvc), authHandler.Logout)
	auth.POST("/logout-all", middleware.JWT(tokenSvc), authHandler.LogoutAll)

	devices := api.Group("/devices", middleware.JWT(tokenSvc))
	devices.GET("", deviceHandler.List)
	devices.PATCH("/:id", deviceHandler.UpdateMetadata)
	devices.DELETE("/:id", deviceHandler.Remove)
	devices.PUT("/push-token", deviceHandler.UpdatePushToken)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
