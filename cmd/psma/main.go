package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"psma/internal/cache"
	"psma/internal/config"
	"psma/internal/domain"
	"psma/internal/engine"
	"psma/internal/registry"
	"psma/internal/server"
	"psma/internal/tmdb"
	"psma/internal/tvmaze"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "psma",
	Short: "PSMA CLI",
	Long: `PSMA turns streaming-provider catalog snapshots into subscription decisions.
- assess: map a TMDB watch-provider snapshot for a series to per-service availability assessments
- plan: turn assessments plus user answers into a subscribe/unsubscribe timeline
- registry: inspect the provider-to-service catalog
- serve: expose the same operations over HTTP`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PSMA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "psma.yaml", "config file path")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(assessCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(openapiCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(versionCmd())
}

// loadSettings layers PSMA_* environment variables over the config file so
// secrets never have to live on disk.
func loadSettings() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("tmdb_api_key"); v != "" {
		cfg.TMDBAPIKey = v
	}
	if v := viper.GetString("auth_secret"); v != "" {
		cfg.AuthSecret = v
	}
	if v := viper.GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.LogFormat == "text" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func loadRegistry(cfg *config.Config) (*registry.Registry, error) {
	if cfg.RegistryPath != "" {
		return registry.FromFile(cfg.RegistryPath)
	}
	return registry.Default()
}

// buildServerConfig wires the full application. The returned closer is nil
// when no cache store was opened.
func buildServerConfig(cfg *config.Config, log zerolog.Logger) (server.Config, io.Closer, error) {
	reg, err := loadRegistry(cfg)
	if err != nil {
		return server.Config{}, nil, err
	}
	httpClient := &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutSeconds * float64(time.Second))}

	tmdbClient := tmdb.New(cfg.TMDBAPIKey, httpClient)
	tmdbClient.UserAgent = cfg.UserAgent
	tmdbClient.Log = log

	var closer io.Closer
	if cfg.Cache.Enabled {
		store, err := cache.Open(cfg.Cache.Dir, time.Duration(cfg.Cache.TTLHours)*time.Hour)
		if err != nil {
			return server.Config{}, nil, err
		}
		tmdbClient.Cache = store
		closer = store
	}

	tvmazeClient := tvmaze.New(httpClient)
	tvmazeClient.UserAgent = cfg.UserAgent

	return server.Config{
		Settings: cfg,
		Registry: reg,
		Assessor: engine.NewAvailability(reg),
		Planner:  engine.NewPlanner(),
		TMDB:     tmdbClient,
		TVmaze:   tvmazeClient,
		Log:      log,
		Version:  version,
	}, closer, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			scfg, closer, err := buildServerConfig(cfg, log)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			handler, err := server.New(scfg)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Listen, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("listen", cfg.Listen).Str("base_path", cfg.BasePath).Msg("serving PSMA API")
			fmt.Printf("Serving PSMA API on http://%s%s (OpenAPI at /openapi.json, docs at /docs)\n", cfg.Listen, cfg.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	return cmd
}

func assessCmd() *cobra.Command {
	var seriesID int64
	var country string
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess streaming availability for a TMDB TV series",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			scfg, closer, err := buildServerConfig(cfg, log)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			if !scfg.TMDB.Configured() {
				return fmt.Errorf("TMDB API key is not configured (set PSMA_TMDB_API_KEY or tmdb_api_key in %s)", viper.GetString("config"))
			}
			snapshot, err := scfg.TMDB.WatchProviders(cmd.Context(), seriesID)
			if err != nil {
				return err
			}
			batch := scfg.Assessor.Assess(seriesID, country, snapshot)
			if viper.GetBool("json") {
				return printJSON(batch)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Service", "Category", "Available", "Confidence", "Reasons"})
			for _, a := range batch.Assessments {
				tw.AppendRow(table.Row{a.ServiceID, a.ProviderCategory, a.AvailabilityNow, a.Confidence, strings.Join(a.ReasonCodes, ",")})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Int64Var(&seriesID, "series", 0, "TMDB TV series id")
	cmd.Flags().StringVar(&country, "country", "US", "ISO 3166-1 country code")
	_ = cmd.MarkFlagRequired("series")
	return cmd
}

func planCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Generate a subscription plan from a request file",
		Long:  `Reads a plan request (country, assessments, inputs) from a JSON file, or from stdin when the file is "-", and prints the resulting events and open questions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if file == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			var req domain.PlanRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parse plan request: %w", err)
			}
			planner := engine.NewPlanner()
			resp := planner.GeneratePlan(req)
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"At", "Action", "Service", "Reasons"})
			for _, ev := range resp.Events {
				tw.AppendRow(table.Row{ev.EffectiveAt.Format(time.RFC3339), ev.Action, ev.ServiceID, strings.Join(ev.ReasonCodes, ",")})
			}
			tw.Render()
			for _, q := range resp.Questions {
				fmt.Printf("question %s: %s\n", q.ID, q.Prompt)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "plan request JSON file (- for stdin)")
	return cmd
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registry", Short: "Inspect the service registry"}
	reg.AddCommand(registryListCmd())
	reg.AddCommand(registryResolveCmd())
	return reg
}

func registryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registry entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			r, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			entries := r.Entries()
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Service ID", "Display Name", "Category", "TMDB Provider IDs"})
			for _, e := range entries {
				ids := make([]string, 0, len(e.TMDBProviderIDs))
				for _, id := range e.TMDBProviderIDs {
					ids = append(ids, fmt.Sprint(id))
				}
				tw.AppendRow(table.Row{e.ServiceID, e.DisplayName, e.Category, strings.Join(ids, ",")})
			}
			tw.Render()
			if skipped := r.Skipped(); skipped > 0 {
				fmt.Printf("skipped %d malformed or duplicate entries\n", skipped)
			}
			return nil
		},
	}
}

func registryResolveCmd() *cobra.Command {
	var providerID int
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a TMDB provider id to a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			r, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			entry, ok := r.Resolve(providerID)
			if !ok {
				fmt.Printf("provider %d is unmapped; planner will see %s\n", providerID, engine.PlaceholderServiceID(providerID))
				return nil
			}
			return printJSONOrTable(entry)
		},
	}
	cmd.Flags().IntVar(&providerID, "provider", 0, "TMDB watch provider id")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func openapiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "openapi",
		Short: "Print the OpenAPI schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			log := zerolog.Nop()
			scfg, closer, err := buildServerConfig(cfg, log)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			oas, err := server.OpenAPI(scfg)
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(oas, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			if cfg.AuthSecret == "" {
				return fmt.Errorf("auth_secret is not configured; the API runs without auth")
			}
			tok, err := server.MintToken(cfg.AuthSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
