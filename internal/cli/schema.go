package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/huyyxy/memmachine/internal/config"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the storage schema",
}

var schemaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all tables and re-apply migrations (destroys all data)",
	RunE:  runSchemaReset,
}

var schemaVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	RunE:  runSchemaVersion,
}

func init() {
	schemaCmd.AddCommand(schemaResetCmd)
	schemaCmd.AddCommand(schemaVersionCmd)
}

// schemaResetter is satisfied by both storage backends.
type schemaResetter interface {
	ResetSchema() error
	Cleanup() error
}

func runSchemaReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	storage, desc, err := openStore(cfg)
	if err != nil {
		return err
	}
	resetter, ok := storage.(schemaResetter)
	if !ok {
		storage.Cleanup()
		return fmt.Errorf("storage backend does not support schema reset")
	}
	defer resetter.Cleanup()

	if err := resetter.ResetSchema(); err != nil {
		return fmt.Errorf("reset schema: %w", err)
	}
	fmt.Printf("schema reset on %s\n", desc)
	return nil
}

func runSchemaVersion(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	storage, desc, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer storage.Cleanup()

	type versioned interface {
		SchemaVersion() (int, error)
	}
	v, ok := storage.(versioned)
	if !ok {
		return fmt.Errorf("storage backend does not report a schema version")
	}

	version, err := v.SchemaVersion()
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	fmt.Printf("%s: schema version %d\n", desc, version)
	return nil
}
