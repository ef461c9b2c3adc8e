package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wzp-123777/Mul-in-ONE/ai/rag"
	"github.com/wzp-123777/Mul-in-ONE/ai/runtime"
	"github.com/wzp-123777/Mul-in-ONE/ai/session"
	"github.com/wzp-123777/Mul-in-ONE/internal/profile"
	"github.com/wzp-123777/Mul-in-ONE/internal/version"
	"github.com/wzp-123777/Mul-in-ONE/server"
	apiv1 "github.com/wzp-123777/Mul-in-ONE/server/router/api/v1"
	"github.com/wzp-123777/Mul-in-ONE/store"
	"github.com/wzp-123777/Mul-in-ONE/store/crypto"
	"github.com/wzp-123777/Mul-in-ONE/store/db/postgres"
	"github.com/wzp-123777/Mul-in-ONE/store/memstore"
)

var rootCmd = &cobra.Command{
	Use:   "mulinone",
	Short: `Multi-persona group chat engine: one user, many AI personas, natural turn-taking.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is a development convenience; deployments set real env vars.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:        viper.GetString("mode"),
			Addr:        viper.GetString("addr"),
			Port:        viper.GetInt("port"),
			DatabaseURL: viper.GetString("dsn"),
			Version:     version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
		setupLogger(instanceProfile)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		driver, err := newDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create store driver", "error", err)
			return
		}

		storeInstance := store.New(driver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return
		}

		cipher := crypto.New(instanceProfile.EncryptionSecret)
		if cipher == nil {
			slog.Warn("MUL_IN_ONE_ENCRYPTION_KEY not set, API keys are stored in plaintext")
		}

		var retriever *rag.Service
		if storeInstance.GetDriver().GetDB() != nil {
			retriever = rag.NewService(storeInstance, cipher, nil)
		} else {
			slog.Info("retrieval disabled: no SQL backend")
		}

		var adapter session.Adapter
		var invalidator apiv1.CredentialInvalidator
		switch instanceProfile.RuntimeMode {
		case "stub":
			adapter = runtime.NewStubAdapter()
		default:
			engine := runtime.NewEngine(instanceProfile, storeInstance, cipher, retriever)
			adapter = engine
			invalidator = engine
		}

		sessions := session.NewService(storeInstance, adapter)

		s, err := server.NewServer(ctx, instanceProfile, storeInstance, sessions, retriever, cipher, invalidator)
		if err != nil {
			slog.Error("failed to create server", "error", err)
			return
		}

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			s.Shutdown(ctx)
			cancel()
		}()

		printGreetings(instanceProfile)
		if err := s.Start(ctx); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Error("failed to start server", "error", err)
			}
		}
		<-ctx.Done()
	},
}

func newDriver(p *profile.Profile) (store.Driver, error) {
	if p.SessionRepo == "memory" {
		return memstore.NewDB(), nil
	}
	return postgres.NewDB(p)
}

func setupLogger(p *profile.Profile) {
	level := slog.LevelInfo
	if p.IsDev() {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("dsn", "", "Postgres DSN")

	for _, flag := range []string{"mode", "addr", "port", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("mul_in_one")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.BindEnv("dsn", "DATABASE_URL"); err != nil {
		panic(err)
	}
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("Mul-in-ONE %s started\n", p.Version)
	fmt.Printf("Mode: %s, session repo: %s, runtime: %s\n", p.Mode, p.SessionRepo, p.RuntimeMode)
	if len(p.Addr) == 0 {
		fmt.Printf("Listening on port %d\n", p.Port)
	} else {
		fmt.Printf("Listening on %s:%d\n", p.Addr, p.Port)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
