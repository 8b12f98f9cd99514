// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/petervdpas/goopchat/internal/backend"
	"github.com/petervdpas/goopchat/internal/config"
	"github.com/petervdpas/goopchat/internal/credential"
	"github.com/petervdpas/goopchat/internal/session"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("goopchat")

var (
	flags        = pflag.NewFlagSet("goopchat", pflag.ContinueOnError)
	showHelp     = flags.BoolP("help", "h", false, "Show help")
	version      = flags.Bool("version", false, "Show version")
	userFlag     = flags.String("user", "", "Connect as this user id instead of the one stored with the tokens")
	levelFlag    = flags.String("log-level", "", "Override logging.level from the config file")
	passwordFile = flags.String("password-file", "", "Read the login or register password from this file instead of prompting")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			showUsage()
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if *version {
		fmt.Printf("goopchat v%s\n", appVersion)
		return
	}

	args := flags.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]
	var err error

	switch command {
	case "run":
		if len(args) < 2 {
			usageError("run command requires a client directory", "goopchat run <directory>")
		}
		err = runChatClient(args[1])

	case "login":
		if len(args) < 3 {
			usageError("login command requires a client directory and an email", "goopchat login <directory> <email>")
		}
		err = runLogin(args[1], args[2])

	case "register":
		if len(args) < 4 {
			usageError("register command requires a client directory, an email and a name", "goopchat register <directory> <email> <name>")
		}
		err = runRegister(args[1], args[2], strings.Join(args[3:], " "))

	case "logout":
		if len(args) < 2 {
			usageError("logout command requires a client directory", "goopchat logout <directory>")
		}
		err = runLogout(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usageError(msg, usage string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
	os.Exit(1)
}

// client bundles what every command needs from a client directory.
type client struct {
	dir     string
	cfgPath string
	cfg     config.Config
	store   *credential.FileStore
	creds   *credential.Client
}

func openClient(dirArg string) (*client, error) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		return nil, fmt.Errorf("invalid client directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogging(cfg.Logging, *levelFlag); err != nil {
		return nil, err
	}
	if created {
		log.Infof("wrote default config to %s", cfgPath)
	}

	store := credential.NewFileStore(util.ResolvePath(absDir, cfg.Credentials.TokenFile))
	creds, err := credential.NewClient(cfg.Server.AuthURL, store, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens: %w", err)
	}
	creds.HTTP.Timeout = cfg.Session.RequestTimeout()

	return &client{dir: absDir, cfgPath: cfgPath, cfg: cfg, store: store, creds: creds}, nil
}

func setupLogging(lc config.Logging, override string) error {
	level := lc.Level
	if override != "" {
		level = override
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	format := logging.ColorizedOutput
	switch lc.Format {
	case "plain":
		format = logging.PlaintextOutput
	case "json":
		format = logging.JSONOutput
	}

	subsystems := make(map[string]logging.LogLevel, len(lc.Subsystems))
	for name, s := range lc.Subsystems {
		l, err := logging.LevelFromString(s)
		if err != nil {
			return fmt.Errorf("log level for %s: %w", name, err)
		}
		subsystems[name] = l
	}

	logging.SetupLogging(logging.Config{
		Format:          format,
		Level:           lvl,
		SubsystemLevels: subsystems,
		Stderr:          true,
	})
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runChatClient(dirArg string) error {
	c, err := openClient(dirArg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	userID := strings.TrimSpace(*userFlag)
	if userID == "" {
		userID = c.creds.UserID()
	}
	if userID == "" {
		if _, ok := c.creds.AccessToken(); !ok && c.creds.Tokens().RefreshToken == "" {
			return fmt.Errorf("not logged in, run: goopchat login %s <email>", dirArg)
		}
		u, err := c.creds.CurrentUser(ctx)
		if err != nil {
			return fmt.Errorf("look up current user: %w", err)
		}
		userID = u.ID.String()
	}

	api := backend.NewClient(c.cfg.Server.APIURL, c.creds)
	sess := session.New(c.creds, api, session.Options{
		SocketURL:          c.cfg.Server.SocketURL,
		TokenParam:         c.cfg.Server.TokenParam,
		RetryDelay:         c.cfg.Session.ReconnectDelay(),
		PresenceInterval:   c.cfg.Session.PresenceInterval(),
		RequestTimeout:     c.cfg.Session.RequestTimeout(),
		ProvisionalTimeout: c.cfg.Session.ProvisionalTimeout(),
		DialTimeout:        c.cfg.Session.DialTimeout(),
	})
	defer sess.Close()

	if c.cfg.Credentials.Watch {
		go func() {
			if err := c.store.Watch(ctx, c.creds.Adopt); err != nil {
				log.Warnf("token file watch: %v", err)
			}
		}()
	}

	printBanner(c, userID)

	if err := sess.Connect(userID); err != nil {
		if errors.Is(err, session.ErrAuthExpired) {
			return fmt.Errorf("session expired, run: goopchat login %s <email>", dirArg)
		}
		return err
	}

	return runChat(ctx, sess, os.Stdin, os.Stdout)
}

func runLogin(dirArg, email string) error {
	c, err := openClient(dirArg)
	if err != nil {
		return err
	}

	password, err := readPassword(*passwordFile)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	tokens, err := c.creds.Login(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as %s (user %s)\n", email, tokens.UserID())
	fmt.Printf("Tokens saved to %s\n", c.store.Path())
	return nil
}

func runRegister(dirArg, email, name string) error {
	c, err := openClient(dirArg)
	if err != nil {
		return err
	}

	password, err := readPassword(*passwordFile)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	tokens, err := c.creds.Register(ctx, strings.TrimSpace(email), password, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s (user %s)\n", email, tokens.UserID())
	fmt.Printf("Tokens saved to %s\n", c.store.Path())
	return nil
}

func runLogout(dirArg string) error {
	c, err := openClient(dirArg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := c.creds.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

// readPassword reads the login password from path, or prompts on the
// terminal with echo disabled when path is empty or "-".
func readPassword(path string) (string, error) {
	if path != "" && path != "-" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for password prompt (use --password-file)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func showUsage() {
	fmt.Println("goopchat - terminal chat client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopchat run <directory>              Connect and chat interactively")
	fmt.Println("  goopchat login <directory> <email>    Log in and store tokens")
	fmt.Println("  goopchat register <dir> <email> <name>  Create an account and store tokens")
	fmt.Println("  goopchat logout <directory>           Revoke and forget stored tokens")
	fmt.Println()
	fmt.Println("The directory holds goopchat.json (created with defaults on first use)")
	fmt.Println("and the token file named by credentials.token_file.")
	fmt.Println()
	fmt.Println("Chat commands:")
	fmt.Println("  /peers          List online peers")
	fmt.Println("  /select <id>    Open the conversation with a peer and load its history")
	fmt.Println("  /history        Reload the current conversation")
	fmt.Println("  /status         Show connection state")
	fmt.Println("  /retry <id>     Resend a failed message")
	fmt.Println("  /quit           Disconnect and exit")
	fmt.Println("  anything else   Send to the selected peer")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Print(flags.FlagUsages())
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopchat login ./clients/alice alice@example.com")
	fmt.Println("  goopchat run ./clients/alice")
}

func printBanner(c *client, userID string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                       goopchat                         ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Client Directory: %s\n", c.dir)
	fmt.Printf("Config File:      %s\n", c.cfgPath)
	fmt.Printf("User:             %s\n", userID)
	fmt.Printf("Socket:           %s\n", c.cfg.Server.SocketURL)
	fmt.Printf("API:              %s\n", c.cfg.Server.APIURL)
	fmt.Println()
	fmt.Println("Connecting... (type /quit or press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
