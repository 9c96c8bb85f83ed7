// steward - a server controller for Trackmania dedicated servers
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/timwie/steward/internal/api"
	"github.com/timwie/steward/internal/auth"
	"github.com/timwie/steward/internal/bus"
	"github.com/timwie/steward/internal/config"
	"github.com/timwie/steward/internal/controller"
	"github.com/timwie/steward/internal/gbx"
	"github.com/timwie/steward/internal/storage"
)

var version = "dev"

func main() {
	// A .env file may carry STEWARD_CONFIG; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "init":
		cmdInit(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "ranking":
		cmdRanking(os.Args[2:])
	case "maps":
		cmdMaps(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "version":
		fmt.Printf("steward %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: steward <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Run the controller")
	fmt.Println("  init <path>                Write a default config file")
	fmt.Println("  status                     Show the live match status")
	fmt.Println("  ranking [--top N]          Show the server ranking (default: 10)")
	fmt.Println("  maps                       Show the playlist")
	fmt.Println("  user add [--admin] <name>  Add a dashboard user (prompts for password)")
	fmt.Println("  user remove <name>         Remove a dashboard user")
	fmt.Println("  user list                  List dashboard users")
	fmt.Println("  user reset <name>          Reset a dashboard user's password")
	fmt.Println("  version                    Show version")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Printf("  --config <path>    Path to configuration file (or set %s)\n", config.EnvVar)
	fmt.Println("  --url <url>        Base URL of a running steward instance (status, ranking, maps)")
}

// cmdServe runs the controller until the connection, the store, or a
// signal ends it. Exit code 0 is a requested shutdown; everything
// else is a fatal error for the supervisor to restart.
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath, err := config.Locate(*configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("steward %s starting...", version)

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()
	log.Printf("Database initialized at %s", cfg.Database.Path)

	client, err := gbx.Dial(cfg.RPC.Address)
	if err != nil {
		log.Fatalf("Failed to reach game server: %v", err)
	}
	defer client.Close()
	log.Printf("Connected to game server at %s", cfg.RPC.Address)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := setupSession(ctx, client, cfg); err != nil {
		log.Fatalf("Failed to set up the session: %v", err)
	}

	eventBus, err := bus.New()
	if err != nil {
		log.Fatalf("Failed to start event bus: %v", err)
	}
	defer eventBus.Close()

	ctrl := controller.New(cfg, client, store, client.Callbacks(), controller.Options{
		Sink: eventBus,
	})
	if err := ctrl.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap controller: %v", err)
	}
	log.Printf("Controller bootstrapped")

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	if cfg.Auth.JWTSecret == "" {
		log.Printf("Warning: No JWT secret configured. Auth tokens will use an empty secret.")
	}

	router := api.NewRouter(store, ctrl, authService)
	detach, err := router.AttachBus(eventBus)
	if err != nil {
		log.Fatalf("Failed to attach event feed: %v", err)
	}
	defer detach()

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.ListenAddr, cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- ctrl.Run(ctx)
	}()

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	case err := <-runErr:
		log.Printf("Controller stopped: %v", err)
		exitCode = 1
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
	os.Exit(exitCode)
}

// setupSession performs the RPC handshake sequence: authenticate,
// enable both callback streams, pin the API versions, and take over
// chat routing.
func setupSession(ctx context.Context, client *gbx.Client, cfg *config.Config) error {
	if err := client.Authenticate(ctx, cfg.RPC.Login, cfg.RPC.Password); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	if err := client.SetAPIVersion(ctx); err != nil {
		return fmt.Errorf("setting API version: %w", err)
	}
	if err := client.EnableCallbacks(ctx); err != nil {
		return fmt.Errorf("enabling callbacks: %w", err)
	}
	if err := client.ChatEnableManualRouting(ctx); err != nil {
		return fmt.Errorf("enabling manual chat routing: %w", err)
	}
	if err := client.HideManialinks(ctx); err != nil {
		// Fails when nobody is connected; not fatal.
		log.Printf("Clearing manialinks: %v", err)
	}
	return nil
}

// cmdInit writes a default config file to the given path.
func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: steward init <path>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "Refusing to overwrite existing %s\n", path)
		os.Exit(1)
	}

	cfg, err := config.Load(os.DevNull)
	if err != nil {
		// os.DevNull parses as an empty config; defaults fill it in.
		fmt.Fprintf(os.Stderr, "Error building defaults: %v\n", err)
		os.Exit(1)
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)
	fmt.Println("Fill in rpc.password before running 'steward serve'.")
}
