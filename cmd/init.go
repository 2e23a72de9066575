package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader reads a password without echoing it. Swappable so
// tests can feed input.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

func readPassword() ([]byte, error) {
	if customPasswordReader != nil {
		return customPasswordReader()
	}
	return term.ReadPassword(int(syscall.Stdin))
}

// promptAdminCredentials asks for a username and a matching password
// pair, re-prompting until the confirmation matches.
func promptAdminCredentials(out io.Writer, in io.Reader) (string, string) {
	reader := bufio.NewReader(in)

	fmt.Fprint(out, "Admin username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)

	for {
		fmt.Fprint(out, "Admin password: ")
		password, _ := readPassword()
		fmt.Fprintln(out)

		fmt.Fprint(out, "Confirm password: ")
		confirm, _ := readPassword()
		fmt.Fprintln(out)

		if string(password) == string(confirm) {
			return username, string(password)
		}
		fmt.Fprintln(out, "Passwords don't match, try again.")
	}
}

// loadOrCreateRuntimeConfig returns the runtime config row, creating
// one with defaults on first run.
func loadOrCreateRuntimeConfig(db *gorm.DB) (roomkeeper.RuntimeConfig, error) {
	var runtimeConfig roomkeeper.RuntimeConfig
	rv := db.Last(&runtimeConfig)
	if rv.Error == nil {
		return runtimeConfig, nil
	}
	if !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
		return runtimeConfig, rv.Error
	}
	runtimeConfig = roomkeeper.DefaultRuntimeConfig()
	return runtimeConfig, db.Create(&runtimeConfig).Error
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Migrate the database and set admin credentials",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("RK_DATABASE_TYPE not set (sqlite or postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"RK_DATABASE not set (connection string, or a file path for sqlite)",
			)
		}

		db, err := roomkeeper.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		runtimeConfig, err := loadOrCreateRuntimeConfig(db)
		if err != nil {
			log.Fatalf("Error loading runtime config: %v", err)
		}

		out := cmd.OutOrStdout()
		switch {
		case runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "":
			fmt.Fprintln(out, "Admin credentials are already set.")
		default:
			fmt.Fprintln(out, "No admin credentials found, set them now.")
			username, password := promptAdminCredentials(out, os.Stdin)

			hashed, hashErr := roomkeeper.HashPassword(password)
			if hashErr != nil {
				log.Fatalf("Error hashing password: %v", hashErr)
			}
			if err = db.Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashed,
				},
			).Error; err != nil {
				log.Fatalf("Error saving admin credentials: %v", err)
			}
			fmt.Fprintln(out, "Admin credentials saved.")
		}

		fmt.Fprintln(out, "Initialization complete, start the bot with 'run'.")
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
