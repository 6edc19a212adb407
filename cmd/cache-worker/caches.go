package main

import (
	"fmt"
	"slices"

	"github.com/ericselin/cache-worker/cache"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

func newCachesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caches",
		Short: "Inspect and delete stored caches",
	}
	cmd.AddCommand(newCachesListCmd(opts))
	cmd.AddCommand(newCachesPurgeCmd(opts))
	return cmd
}

func newCachesListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List caches and the requests stored in them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			storage, err := cache.NewSQLiteStorage(opts.config.DB)
			if err != nil {
				return err
			}
			defer storage.Close()

			listing, err := listCaches(storage)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range listing {
				fmt.Fprintf(out, "%s (%d entries)\n", l.Name, len(l.Requests))
				for _, req := range l.Requests {
					fmt.Fprintf(out, "  %s %s\n", req.Method, req.URL)
				}
			}
			return nil
		},
	}
}

func newCachesPurgeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [cache...]",
		Short: "Delete the named caches, or all caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := cache.NewSQLiteStorage(opts.config.DB)
			if err != nil {
				return err
			}
			defer storage.Close()

			deleted, err := purgeCaches(storage, args)
			for _, name := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			}
			return err
		},
	}
}

// purgeCaches deletes the named caches, or every cache if names is empty.
// It returns the names of the caches that existed and were deleted.
func purgeCaches(storage cache.Storage, names []string) ([]string, error) {
	if len(names) == 0 {
		var err error
		if names, err = storage.Keys(); err != nil {
			return nil, err
		}
	}

	deleted := make([]bool, len(names))
	g := errgroup.Group{}
	for i, name := range names {
		g.Go(func() error {
			ok, err := storage.Delete(name)
			if err != nil {
				return zerr.With(zerr.Wrap(err, "delete cache"), "cache", name)
			}
			deleted[i] = ok
			if !ok {
				log.Debug().Str("cache", name).Msg("No such cache")
			}
			return nil
		})
	}
	err := g.Wait()

	result := make([]string, 0, len(names))
	for i, name := range names {
		if deleted[i] {
			result = append(result, name)
		}
	}
	slices.Sort(result)
	return result, err
}
