package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/library"
)

func newLibraryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "library",
		Short: "List the books the library knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := library.Open(cfg)
			if err != nil {
				return err
			}
			books, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(books) == 0 {
				fmt.Fprintln(out, "Library is empty")
				return nil
			}
			rows := make([][]string, 0, len(books))
			for _, book := range books {
				rows = append(rows, []string{
					book.Title,
					book.Author,
					book.Format,
					book.Path,
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Title", "Author", "Format", "Path"}, rows))
			return nil
		},
	}
}
