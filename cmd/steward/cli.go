package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/timwie/steward/internal/auth"
	"github.com/timwie/steward/internal/config"
	"github.com/timwie/steward/internal/storage"
)

// cliConfig resolves the base URL and database path for read
// commands. A missing or unreadable config file is tolerated and the
// defaults apply; a non-empty --url overrides the base URL.
func cliConfig(configPath, url string) (baseURL, dbPath string) {
	baseURL = "http://127.0.0.1:8080"
	dbPath = "/var/lib/steward/steward.db"

	if cfgPath, err := config.Locate(configPath); err == nil {
		if cfg, err := config.Load(cfgPath); err == nil {
			baseURL = fmt.Sprintf("http://%s:%d", cfg.HTTP.ListenAddr, cfg.HTTP.Port)
			dbPath = cfg.Database.Path
		}
	}
	if url != "" {
		baseURL = url
	}
	return baseURL, dbPath
}

func getJSON(baseURL, path string, target interface{}) error {
	resp, err := http.Get(baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	url := fs.String("url", "", "base URL of the steward instance")
	fs.Parse(args)

	baseURL, _ := cliConfig(*configPath, *url)

	var status struct {
		Phase      string `json:"phase"`
		Warmup     bool   `json:"warmup"`
		Paused     bool   `json:"paused"`
		CurrentMap *struct {
			Name string `json:"name"`
			UID  string `json:"uid"`
		} `json:"current_map"`
		Players []struct {
			Login       string `json:"login"`
			DisplayName string `json:"display_name"`
			Slot        string `json:"slot"`
		} `json:"players"`
	}
	if err := getJSON(baseURL, "/api/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	mapName := "-"
	if status.CurrentMap != nil {
		mapName = status.CurrentMap.Name
	}
	fmt.Printf("Phase: %s  Map: %s  Warmup: %v  Paused: %v\n\n",
		status.Phase, mapName, status.Warmup, status.Paused)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOGIN\tNAME\tSLOT")
	fmt.Fprintln(w, "-----\t----\t----")
	for _, p := range status.Players {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Login, p.DisplayName, p.Slot)
	}
	w.Flush()
}

func cmdRanking(args []string) {
	fs := flag.NewFlagSet("ranking", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	url := fs.String("url", "", "base URL of the steward instance")
	limit := fs.Int("top", 10, "number of top players to show")
	fs.Parse(args)

	baseURL, _ := cliConfig(*configPath, *url)

	var ranking []struct {
		Pos         int    `json:"pos"`
		Login       string `json:"login"`
		DisplayName string `json:"display_name"`
		Wins        int    `json:"wins"`
		Losses      int    `json:"losses"`
	}
	if err := getJSON(baseURL, "/api/ranking", &ranking); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(ranking) > *limit {
		ranking = ranking[:*limit]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tPLAYER\tWINS\tLOSSES")
	fmt.Fprintln(w, "----\t------\t----\t------")
	for _, row := range ranking {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\n", row.Pos, row.DisplayName, row.Wins, row.Losses)
	}
	w.Flush()
}

func cmdMaps(args []string) {
	fs := flag.NewFlagSet("maps", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	url := fs.String("url", "", "base URL of the steward instance")
	fs.Parse(args)

	baseURL, _ := cliConfig(*configPath, *url)

	var playlist []struct {
		UID          string `json:"uid"`
		Name         string `json:"name"`
		AuthorLogin  string `json:"author_login"`
		AuthorMillis int    `json:"author_millis"`
	}
	if err := getJSON(baseURL, "/api/playlist", &playlist); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tNAME\tAUTHOR\tAUTHOR TIME")
	fmt.Fprintln(w, "---\t----\t------\t-----------")
	for _, m := range playlist {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d ms\n", m.UID, m.Name, m.AuthorLogin, m.AuthorMillis)
	}
	w.Flush()
}

// cmdUser handles user subcommands against the database directly.
func cmdUser(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: user subcommand required: add, remove, list, reset\n")
		os.Exit(1)
	}
	subCmd := args[0]

	fs := flag.NewFlagSet("user", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	isAdmin := fs.Bool("admin", false, "create as admin user")
	fs.Parse(args[1:])

	_, dbPath := cliConfig(*configPath, "")
	store, err := storage.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	switch subCmd {
	case "add":
		err = cmdUserAdd(ctx, store, fs.Args(), *isAdmin)
	case "remove":
		err = cmdUserRemove(ctx, store, fs.Args())
	case "list":
		err = cmdUserList(ctx, store)
	case "reset":
		err = cmdUserReset(ctx, store, fs.Args())
	default:
		err = fmt.Errorf("unknown user command: %s (use: add, remove, list, reset)", subCmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func promptPassword() (string, error) {
	fmt.Print("Enter password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(password) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(password), nil
}

func cmdUserAdd(ctx context.Context, store *storage.Store, args []string, isAdmin bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: steward user add [--admin] <username>")
	}
	username := strings.TrimSpace(args[0])

	if existing, err := store.WebUserByUsername(ctx, username); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("user '%s' already exists", username)
	}

	password, err := promptPassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.CreateWebUser(ctx, username, hash, isAdmin); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	role := "user"
	if isAdmin {
		role = "admin"
	}
	fmt.Printf("User '%s' created successfully (role: %s)\n", username, role)
	return nil
}

func cmdUserRemove(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: steward user remove <username>")
	}
	if err := store.DeleteWebUser(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to remove user: %w", err)
	}
	fmt.Printf("User '%s' removed\n", args[0])
	return nil
}

func cmdUserList(ctx context.Context, store *storage.Store) error {
	users, err := store.ListWebUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	if len(users) == 0 {
		fmt.Println("No users configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tLAST_LOGIN")
	fmt.Fprintln(w, "--------\t----\t----------")
	for _, user := range users {
		role := "user"
		if user.IsAdmin {
			role = "admin"
		}
		lastLogin := "never"
		if user.LastLogin != nil {
			lastLogin = user.LastLogin.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", user.Username, role, lastLogin)
	}
	return w.Flush()
}

func cmdUserReset(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: steward user reset <username>")
	}
	username := args[0]

	user, err := store.WebUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user not found: %s", username)
	}

	password, err := promptPassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.ResetWebUserPassword(ctx, username, hash); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}
	fmt.Printf("Password reset for '%s'\n", username)
	return nil
}
