package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jhunt/perobs/pkg/dberr"
	"github.com/jhunt/perobs/pkg/flatfiledb"
)

func openDB() (*flatfiledb.DB, error) {
	return flatfiledb.Open(flagDir, flatfiledb.WithLogger(flatfiledb.DefaultLogger()))
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "validate the index, free-space list, and blob file; pass --repair to rebuild on failure",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repair, _ := cmd.Flags().GetBool("repair")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.Check(repair)
		if err != nil {
			return err
		}
		if n == 0 {
			color.Green("ok: no problems found")
			return nil
		}
		color.Red("found %d problem(s)", n)
		if repair {
			color.Yellow("repaired by rebuilding index and free space from the blob file")
		} else {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().Bool("repair", false, "rebuild the index and free-space manager from the blob file if problems are found")
}

var putCmd = &cobra.Command{
	Use:   "put <id> <file>",
	Short: "store the contents of file under id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Put(id, data); err != nil {
			return err
		}
		color.Green("stored %d bytes under id %d", len(data), id)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "print the bytes stored under id to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		data, err := db.Get(id)
		if err != nil {
			if errors.Is(err, dberr.NotFound) {
				color.Red("no record for id %d", id)
				os.Exit(1)
			}
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "delete the record stored under id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ok, err := db.Delete(id)
		if err != nil {
			return err
		}
		if !ok {
			color.Yellow("no record for id %d", id)
			return nil
		}
		color.Green("deleted id %d", id)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "delete every record whose mark bit is clear, then compact the file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		removed, err := db.Sweep()
		if err != nil {
			return err
		}
		color.Green("removed %d unmarked record(s)", len(removed))
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "rewrite the blob file, removing free space without changing which ids survive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Compact(); err != nil {
			return err
		}
		color.Green("compacted")
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc <reachable-id> [<reachable-id>...]",
	Short: "clear marks, mark every listed id as reachable, then delete everything else",
	Long: `gc runs a full mark-and-sweep pass over the blob file: every mark bit is
cleared, every id given on the command line is marked, and every record
still unmarked afterward is deleted and the file compacted. perobscheck
has no notion of an object graph, so the reachable set has to be supplied
directly; a real host derives it by walking its live roots.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uint64, len(args))
		for i, a := range args {
			id, err := parseID(a)
			if err != nil {
				return err
			}
			ids[i] = id
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		removed, err := db.GC(ids)
		if err != nil {
			return err
		}
		color.Green("kept %d id(s), removed %d unreachable record(s)", len(ids), len(removed))
		return nil
	},
}

// newDemoID mints a pseudo-random id for the seed-data helper below by
// taking the low 64 bits of a fresh UUID. Real callers mint their own ids;
// this exists only so `perobscheck seed` has something to write.
func newDemoID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[8:16])
}

var seedCmd = &cobra.Command{
	Use:   "seed <count>",
	Short: "write count small records with freshly minted ids, for smoke-testing a new directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid count %q: %w", args[0], err)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		for i := 0; i < count; i++ {
			id := newDemoID()
			if err := db.Put(id, []byte(fmt.Sprintf("seed record %d", i))); err != nil {
				return err
			}
		}
		color.Green("wrote %d record(s)", count)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
