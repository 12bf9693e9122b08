package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pongnet/internal/platform/config"
	"pongnet/pkg/game"
	"pongnet/pkg/journal"
)

func openJournal(path string) (*journal.Store, error) {
	if path == "" {
		cfg, err := config.LoadPeer()
		if err != nil {
			return nil, err
		}
		path = cfg.JournalPath
	}
	return journal.Open(path)
}

func replayCmd() *cobra.Command {
	var (
		path string
		show bool
	)
	cmd := &cobra.Command{
		Use:   "replay [match-id]",
		Short: "List journaled matches, or replay one and verify its checksum",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJournal(path)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			if len(args) == 0 {
				return listMatches(ctx, store)
			}
			m, err := store.Match(ctx, args[0])
			if err != nil {
				return err
			}
			sim := game.NewPong(m.Seed)
			res, err := store.Verify(ctx, m.ID, sim)
			if err != nil {
				return err
			}
			verdict := "no recorded checksum"
			if res.Verified {
				verdict = "verified"
			}
			fmt.Printf("match %s: %d frames, last %d, checksum %016x, %s\n",
				m.ID, res.Frames, res.LastFrame, res.Checksum, verdict)
			if show {
				for _, line := range game.Render(sim.State(), boardCols, boardRows) {
					fmt.Println(line)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "journal", "", "journal database (default PONGNET_JOURNAL_PATH)")
	cmd.Flags().BoolVar(&show, "show", false, "draw the final board")
	return cmd
}

func listMatches(ctx context.Context, store *journal.Store) error {
	matches, err := store.Matches(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MATCH\tSTARTED\tHANDLE\tLAST FRAME\tRESULT")
	for _, m := range matches {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", m.ID, m.StartedAt.Local().Format(time.DateTime), m.LocalHandle, m.LastFrame, m.Result)
	}
	return w.Flush()
}

func archiveCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "archive <match-id>",
		Short: "Upload a journaled match to S3-compatible storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadArchive()
			if err != nil {
				return err
			}
			archiver, err := journal.NewArchiver(cfg)
			if err != nil {
				return err
			}
			store, err := openJournal(path)
			if err != nil {
				return err
			}
			defer store.Close()
			key, err := archiver.Upload(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("uploaded %s to s3://%s/%s\n", args[0], cfg.Bucket, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "journal", "", "journal database (default PONGNET_JOURNAL_PATH)")
	return cmd
}
