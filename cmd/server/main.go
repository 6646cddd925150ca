package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"objectflow/internal/api"
	"objectflow/internal/auth"
	"objectflow/internal/config"
	"objectflow/internal/driver"
	"objectflow/internal/metadata"
	"objectflow/internal/pipeline"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	// 2. Create registry and load object definitions
	reg := metadata.NewRegistry()
	if err := auth.RegisterSystemObjects(reg); err != nil {
		log.Fatalf("Failed to register system objects: %v", err)
	}
	if err := metadata.LoadDir(cfg.Schema.Dir, reg); err != nil {
		log.Printf("WARN: Failed to load schemas: %v", err)
	}

	// 3. Open the storage driver
	store, closeStore, err := openDriver(ctx, cfg.Database, reg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer closeStore()
	log.Println("Storage ready")

	// 4. Build the pipeline
	p := pipeline.New(reg, store)

	// 5. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: api.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 6. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 7. Auth routes (before middleware, no auth required)
	authHandler := auth.NewHandler(p, cfg.JWTSecret)
	auth.RegisterRoutes(app, authHandler)

	// 8. Dynamic object routes behind auth
	authMW := auth.Middleware(cfg.JWTSecret)
	apiHandler := api.NewHandler(p)
	api.RegisterRoutes(app, apiHandler, authMW)

	// 9. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

// openDriver picks the storage backend from config and returns a close
// function for shutdown.
func openDriver(ctx context.Context, cfg config.DatabaseConfig, reg *metadata.Registry) (driver.Driver, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		return driver.NewMemory(), func() {}, nil
	case "sqlite", "postgres":
		db, err := driver.OpenSQL(ctx, cfg.Driver, cfg.DSN(), reg)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	case "mongo":
		db, err := driver.OpenMongo(ctx, cfg.DSN(), cfg.Name)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
