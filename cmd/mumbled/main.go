package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/Iyara/mumble/pkg/auth"
	"github.com/Iyara/mumble/pkg/datastore"
	"github.com/Iyara/mumble/pkg/logging"
	"github.com/Iyara/mumble/pkg/server"
	"github.com/Iyara/mumble/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	configFile := flag.String("config", "", "YAML config file (flags override it)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	registerUser := flag.String("register", "", "Register a user (prompts for password via -password) and exit")
	registerPass := flag.String("password", "", "Password for -register")

	flag.StringVar(&cfg.Host, "host", cfg.Host, "Bind address for TCP control and UDP voice")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Shared TCP/UDP port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	flag.IntVar(&cfg.MaxUsers, "users", cfg.MaxUsers, "Maximum concurrent users")
	flag.IntVar(&cfg.MaxBandwidth, "bandwidth", cfg.MaxBandwidth, "Per-user voice bandwidth ceiling, bytes/second")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+logging.LevelNames())
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if *configFile != "" {
		loaded, err := server.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		// Re-apply flags so they win over the file.
		flag.Parse()
	}

	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	if *registerUser != "" {
		defer func() { _ = st.Close() }()
		if *registerPass == "" {
			fmt.Fprintln(os.Stderr, "-register requires -password")
			os.Exit(1)
		}
		salt, err := auth.NewSalt()
		if err != nil {
			slog.Error("generate salt", "err", err)
			os.Exit(1)
		}
		hash := auth.HashPassword(*registerPass, salt)
		id, err := st.RegisterUser(*registerUser, hash, salt)
		if err != nil {
			slog.Error("register user", "err", err)
			os.Exit(1)
		}
		fmt.Printf("registered %q with id %d\n", *registerUser, id)
		return
	}

	srv := server.New(cfg, st)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
