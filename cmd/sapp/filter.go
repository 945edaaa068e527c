package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/sapp/internal/filters"
	"github.com/steveyegge/sapp/internal/storage"
)

func newFilterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Manage saved issue filters",
	}
	cmd.AddCommand(newFilterImportCmd(), newFilterListCmd(), newFilterDeleteCmd())
	return cmd
}

func openFilterDB() (*storage.DB, error) {
	db, err := storage.Open(dbDialect, dbName)
	if err != nil {
		return nil, err
	}
	if err := storage.CreateSchema(rootCtx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func newFilterImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <filter-file>...",
		Short: "Import stored filters from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openFilterDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return &UserError{Message: fmt.Sprintf("cannot read %s: %v", path, err)}
				}
				sf, err := filters.ParseStoredFilter(data)
				if err != nil {
					return &UserError{Message: fmt.Sprintf("%s: %v", path, err)}
				}
				if err := storage.SaveFilter(rootCtx, db, sf); err != nil {
					return err
				}
				fmt.Printf("Imported filter %q\n", sf.Name)
			}
			return nil
		},
	}
}

func newFilterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openFilterDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			stored, err := storage.ListFilters(rootCtx, db)
			if err != nil {
				return err
			}
			for _, sf := range stored {
				if sf.Description != "" {
					fmt.Printf("%s\t%s\n", sf.Name, sf.Description)
				} else {
					fmt.Println(sf.Name)
				}
			}
			return nil
		},
	}
}

func newFilterDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>...",
		Short: "Delete stored filters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openFilterDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			for _, name := range args {
				if err := storage.DeleteFilter(rootCtx, db, name); err != nil {
					return err
				}
				fmt.Printf("Deleted filter %q\n", name)
			}
			return nil
		},
	}
}
