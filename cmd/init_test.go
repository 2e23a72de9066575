package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("RK_DATABASE_TYPE", "sqlite")
	os.Setenv("RK_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("RK_DATABASE_TYPE")
			os.Unsetenv("RK_DATABASE")
		},
	)

	// Mock user input
	oldStdin := os.Stdin
	t.Cleanup(
		func() {
			os.Stdin = oldStdin
		},
	)

	passwords := []string{"testpassword", "testpassword"}
	passwordIndex := 0

	mockPasswordReader := func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)

	customPasswordReader = mockPasswordReader

	input := "testadmin\n"
	r, w, _ := os.Pipe()
	os.Stdin = r
	go func() {
		_, _ = w.Write([]byte(input))
		_ = w.Close()
	}()

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	// Verify the output
	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "No admin credentials found, set them now.")
	assert.Contains(t, output, "Admin username:")
	assert.Contains(t, output, "Admin password:")
	assert.Contains(t, output, "Confirm password:")
	assert.Contains(t, output, "Admin credentials saved.")
	assert.Contains(t, output, "Initialization complete")

	// Verify the database contents
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var config roomkeeper.RuntimeConfig
	err = db.First(&config).Error
	require.NoError(t, err)

	assert.Equal(t, "testadmin", config.AdminUsername)
	assert.NotEmpty(t, config.AdminPassword)
	assert.NotEqual(t, "testpassword", config.AdminPassword) // Password should be hashed

	mg := db.Migrator()

	assert.True(t, mg.HasTable(&roomkeeper.Room{}))
	assert.True(t, mg.HasTable(&roomkeeper.LobbyConfig{}))
	assert.True(t, mg.HasTable(&roomkeeper.RuntimeConfig{}))

	valid, err := roomkeeper.VerifyPassword(config.AdminPassword, "testpassword")
	assert.NoError(t, err)
	assert.True(t, valid)
}

func TestPromptAdminCredentialsMismatchRetries(t *testing.T) {
	passwords := []string{"first", "second", "matched", "matched"}
	passwordIndex := 0
	customPasswordReader = func() ([]byte, error) {
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}
	t.Cleanup(func() { customPasswordReader = nil })

	var out bytes.Buffer
	in := bytes.NewBufferString("someadmin\n")
	username, password := promptAdminCredentials(&out, in)

	assert.Equal(t, "someadmin", username)
	assert.Equal(t, "matched", password)
	assert.Contains(t, out.String(), "Passwords don't match, try again.")
	assert.Equal(t, 4, passwordIndex)
}
