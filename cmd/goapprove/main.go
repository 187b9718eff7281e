package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ignatij/goapprove/internal/cli"
	internal_http "github.com/ignatij/goapprove/internal/http"
	"github.com/ignatij/goapprove/internal/log"
	internal_storage "github.com/ignatij/goapprove/internal/storage"
	"github.com/ignatij/goapprove/pkg/service"
)

var rootCmd = &cobra.Command{Use: "goapprove"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the approval engine HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			log.GetLogger().Debugf("No .env file found: %v", err)
		}
		viper.SetEnvPrefix("GOAPPROVE")
		viper.AutomaticEnv()
		_ = viper.BindPFlag("db", cmd.Flags().Lookup("db"))
		_ = viper.BindPFlag("port", cmd.Flags().Lookup("port"))
		_ = viper.BindPFlag("roles", cmd.Flags().Lookup("roles"))

		connStr := viper.GetString("db")
		if connStr == "" {
			fmt.Fprintln(os.Stderr, "Error: --db flag or GOAPPROVE_DB is required")
			os.Exit(1)
		}
		store, err := internal_storage.InitStore(connStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		roles := cli.ParseRoles(viper.GetString("roles"))
		notifier := service.LogNotifier{Logger: log.GetLogger()}
		if err := internal_http.StartServer(viper.GetString("port"), store, roles, notifier); err != nil {
			log.GetLogger().Errorf("Server exited: %v", err)
			os.Exit(1)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")
	rootCmd.PersistentFlags().String("roles", "", "Static role directory, e.g. \"alice=ACCOUNTANT;bob=CEO\"")
	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	rootCmd.AddCommand(serveCmd)
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
