package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/chriskim2273/rccbackup/internal/database"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "rccbackup",
		Short: "Back up the hosted inventory database to SQLite",
		Long: `A backup tool that copies every row of the inventory tables from the
hosted database (Supabase REST or PostgreSQL) into a timestamped SQLite file.
Local tables are created from the shape of the data itself.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Back up the remote tables to a SQLite file",
		Long: `Fetch all rows of each configured table, create the local table from
the first row and upsert every row by its id column.`,
		RunE: runBackup,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and source connection",
		Long: `Check the configuration and test the connection to the source
without writing a backup.`,
		RunE: runValidate,
	}

	tablesCmd = &cobra.Command{
		Use:   "tables",
		Short: "List the tables the source exposes",
		RunE:  runTables,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect <backup.db>",
		Short: "Show the tables and row counts of a backup file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rccbackup %s\n", version)
		},
	}
)

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rccbackup.yaml)")
	rootCmd.PersistentFlags().String("source", database.SourceREST, "source type: rest or postgres")
	rootCmd.PersistentFlags().Bool("verbose", false, "log requests and queries")

	// Supabase REST
	rootCmd.PersistentFlags().String("url", "", "Supabase project URL")
	rootCmd.PersistentFlags().String("key", "", "Supabase service role key")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "HTTP request timeout")
	rootCmd.PersistentFlags().Int("page-size", 1000, "rows per REST request (0 for a single request)")
	rootCmd.PersistentFlags().String("order", database.PrimaryKeyColumn, "column to page REST results by (empty to disable)")

	// Direct PostgreSQL
	rootCmd.PersistentFlags().String("pg", "", "PostgreSQL connection string (optional)")
	rootCmd.PersistentFlags().String("host", "", "PostgreSQL host")
	rootCmd.PersistentFlags().Int("port", 5432, "PostgreSQL port")
	rootCmd.PersistentFlags().String("db", "", "PostgreSQL database name")
	rootCmd.PersistentFlags().String("user", "", "PostgreSQL user")
	rootCmd.PersistentFlags().String("password", "", "PostgreSQL password")

	// SSH tunnel
	rootCmd.PersistentFlags().String("sshkey", "", "Path to SSH private key file")
	rootCmd.PersistentFlags().String("sshuser", "", "SSH user")
	rootCmd.PersistentFlags().String("sshhost", "", "SSH host")
	rootCmd.PersistentFlags().Int("sshport", 22, "SSH port")
	rootCmd.PersistentFlags().String("known-hosts", "", "known_hosts file used to verify the SSH host")

	rootCmd.PersistentFlags().String("sqlite-driver", database.DriverCgo, "SQLite driver: sqlite3 (cgo) or sqlite (pure Go)")

	backupCmd.Flags().StringSlice("tables", database.DefaultTables, "tables to back up")
	backupCmd.Flags().Bool("all", false, "back up every table the source exposes")
	backupCmd.Flags().String("output-dir", "backups", "directory for timestamped backup files")
	backupCmd.Flags().String("output", "", "write into this file instead of a new timestamped one")
	backupCmd.Flags().Int("batch-size", 1000, "rows per transaction (0 or less for one per table)")
	backupCmd.Flags().Bool("progress", false, "show a progress bar per table")
	backupCmd.Flags().Bool("vacuum", true, "vacuum the backup file when done")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)

	viper.BindPFlags(rootCmd.PersistentFlags())
	viper.BindPFlags(backupCmd.Flags())

	// names used by the web app's .env
	viper.BindEnv("url", "RCCBACKUP_URL", "SUPABASE_URL", "VITE_SUPABASE_URL")
	viper.BindEnv("key", "RCCBACKUP_KEY", "SUPABASE_SERVICE_ROLE_KEY", "VITE_SUPABASE_SERVICE_ROLE_KEY")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".rccbackup")
	}

	viper.SetEnvPrefix("RCCBACKUP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func getConfig() database.Config {
	return database.Config{
		Source:           viper.GetString("source"),
		URL:              viper.GetString("url"),
		Key:              viper.GetString("key"),
		ConnectionString: viper.GetString("pg"),
		Host:             viper.GetString("host"),
		Port:             viper.GetInt("port"),
		Database:         viper.GetString("db"),
		User:             viper.GetString("user"),
		Password:         viper.GetString("password"),
		SSHKey:           viper.GetString("sshkey"),
		SSHUser:          viper.GetString("sshuser"),
		SSHHost:          viper.GetString("sshhost"),
		SSHPort:          viper.GetInt("sshport"),
		SSHKnownHosts:    viper.GetString("known-hosts"),
		Tables:           viper.GetStringSlice("tables"),
		AllTables:        viper.GetBool("all"),
		OutputDir:        viper.GetString("output-dir"),
		OutputFile:       viper.GetString("output"),
		SQLiteDriver:     viper.GetString("sqlite-driver"),
		PageSize:         viper.GetInt("page-size"),
		OrderBy:          viper.GetString("order"),
		BatchSize:        viper.GetInt("batch-size"),
		Timeout:          viper.GetDuration("timeout"),
		Progress:         viper.GetBool("progress"),
		Vacuum:           viper.GetBool("vacuum"),
		Verbose:          viper.GetBool("verbose"),
	}
}

// commandContext is cancelled on interrupt
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt)
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	exporter, err := database.NewExporter(ctx, getConfig(), cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}
	defer exporter.Close()

	summary, err := exporter.Run(ctx)
	if err != nil {
		return err
	}
	if failed := summary.Failed(); len(failed) > 0 {
		log.Printf("%d of %d tables failed", len(failed), len(summary.Results))
	}
	return nil
}

// sourceConfig validates only what is needed to reach the source.
func sourceConfig() (database.Config, error) {
	config := getConfig()
	config.AllTables = true
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	config, err := sourceConfig()
	if err != nil {
		return err
	}

	source, err := database.NewSource(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	defer source.Close()

	if err := source.Ping(ctx); err != nil {
		return fmt.Errorf("source is not reachable: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid and the source is accessible")
	return nil
}

func runTables(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	config, err := sourceConfig()
	if err != nil {
		return err
	}

	source, err := database.NewSource(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	defer source.Close()

	tables, err := source.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	for _, t := range tables {
		fmt.Fprintln(cmd.OutOrStdout(), t)
	}
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	path := args[0]
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}

	backup, err := database.OpenBackup(ctx, path, viper.GetString("sqlite-driver"))
	if err != nil {
		return err
	}
	defer backup.Close()

	tables, err := backup.Tables(ctx)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(tables) == 0 {
		fmt.Fprintln(out, "(no tables)")
		return nil
	}
	for _, t := range tables {
		fmt.Fprintf(out, "%-20s %8d rows  ", t.Name, t.Rows)
		for i, c := range t.Columns {
			if i > 0 {
				fmt.Fprint(out, ", ")
			}
			fmt.Fprintf(out, "%s %s", c.Name, c.Class)
			if c.PrimaryKey {
				fmt.Fprint(out, " PK")
			}
		}
		fmt.Fprintln(out)
	}

	size, err := backup.Size()
	if err == nil {
		fmt.Fprintf(out, "Database size: %.2f KB\n", float64(size)/1024)
	}
	return nil
}
