package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/visualmatrix/api/internal/auth"
	"github.com/visualmatrix/api/internal/bootstrap"
	"github.com/visualmatrix/api/internal/config"
	"github.com/visualmatrix/api/internal/events"
	"github.com/visualmatrix/api/internal/handler"
	"github.com/visualmatrix/api/internal/logging"
	"github.com/visualmatrix/api/internal/middleware"
	"github.com/visualmatrix/api/internal/service"
	ws "github.com/visualmatrix/api/internal/websocket"
	"github.com/visualmatrix/api/pkg/response"
)

// @title          VisualMatrix API
// @version        1.0
// @description    Product photo analysis and commercial image generation.
// @BasePath       /
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "json")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise runtime")
	}
	defer rt.Close()

	if added, err := service.SeedStyles(ctx, rt.Store); err != nil {
		log.Warn().Err(err).Msg("failed to seed default styles")
	} else if added > 0 {
		log.Info().Int("added", added).Msg("seeded default styles")
	}

	hub := ws.NewHub(log)

	// Events from standalone workers arrive over redis pub/sub.
	relay := events.NewRelay(rt.Redis, hub, log)
	go func() {
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("event relay stopped")
		}
	}()

	if cfg.Worker.Embedded {
		go runEmbeddedWorker(ctx, rt, hub, log)
	}

	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Warn().Err(err).Msg("JWKS verifier not initialised")
		} else {
			defer jwksVerifier.Close()
		}
	}
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}

	authMiddleware := middleware.NewAuthMiddlewareWithFallback(tokenVerifier, cfg.JWT.Secret)
	apiAuth := authMiddleware.Authenticate()
	if cfg.Gateway.Enabled {
		log.Info().Msg("gateway mode enabled, using header-based auth")
		apiAuth = middleware.GatewayAuthMiddleware()
	}
	rateLimiter := middleware.NewRateLimiter(rt.Redis)
	validate := validator.New()

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    cfg.Server.BodyLimitMB * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"store": cfg.Store.Driver,
				"r2":    cfg.R2.Configured(),
				"auth":  jwksVerifier != nil || cfg.JWT.Secret != "",
				"redis": rt.Redis.Ping(c.Context()).Err() == nil,
			},
		})
	})

	if rt.LocalDir != "" {
		app.Static(cfg.Storage.PublicBaseURL, rt.LocalDir)
	}

	handler.Routes{
		Auth:          apiAuth,
		WSAuth:        authMiddleware.AuthenticateQuery(),
		AdminOnly:     middleware.AdminOnly(),
		AnalyzeLimit:  rateLimiter.AnalyzeLimit(cfg.RateLimit.AnalyzePerHour),
		GenerateLimit: rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour),
		Jobs:          handler.NewJobHandler(rt.Jobs, rt.Uploads, validate),
		Admin:         handler.NewAdminHandler(rt.Channels, rt.Jobs, validate),
		AuthVerify:    handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret),
		WS:            handler.NewWSHandler(hub),
	}.Mount(app)

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Str("env", cfg.Server.Env).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
}

// runEmbeddedWorker processes stage and health tasks inside the API
// process, emitting straight to the local hub.
func runEmbeddedWorker(ctx context.Context, rt *bootstrap.Runtime, hub *ws.Hub, log zerolog.Logger) {
	srv, mux := rt.NewWorkerServer(hub)
	if err := srv.Start(mux); err != nil {
		log.Error().Err(err).Msg("embedded worker failed to start")
		return
	}

	var scheduler *asynq.Scheduler
	if rt.Config.Worker.Scheduler {
		s, err := rt.NewScheduler()
		if err != nil {
			log.Error().Err(err).Msg("health scheduler not started")
		} else if err := s.Start(); err != nil {
			log.Error().Err(err).Msg("health scheduler failed to start")
		} else {
			scheduler = s
		}
	}

	<-ctx.Done()
	if scheduler != nil {
		scheduler.Shutdown()
	}
	srv.Shutdown()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
