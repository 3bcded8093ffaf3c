// Command fhir-extract pulls resources from a FHIR server and writes them
// to stdout as NDJSON, one resource per line.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/auth"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/client"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/config"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/fetch"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/fhir"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/logging"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/search"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "fhir-extract",
		Short:         "Extract FHIR resources as NDJSON",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(fetchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration, configures logging, and builds the
// authenticated REST client.
func setup() (*config.Config, *client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogFormat == "console",
	})

	creds, err := cfg.Credentials()
	if err != nil {
		return nil, nil, err
	}

	var opts []auth.Option
	switch {
	case cfg.RedisURL != "":
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		store := auth.NewRedisStore(redis.NewClient(redisOpts), auth.DefaultRedisKey)
		opts = append(opts, auth.WithStore(store))
	case cfg.TokenCachePath != "":
		opts = append(opts, auth.WithStore(auth.NewFileStore(cfg.TokenCachePath)))
	}

	authenticator, err := auth.New(creds, opts...)
	if err != nil {
		return nil, nil, err
	}

	c, err := client.New(cfg.ClientConfig(), authenticator)
	if err != nil {
		return nil, nil, err
	}
	return cfg, c, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func writeNDJSON(resource fhir.Resource) error {
	if _, err := os.Stdout.Write([]byte(resource)); err != nil {
		return err
	}
	_, err := os.Stdout.Write([]byte{'\n'})
	return err
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <ResourceType>",
		Short: "Search resources and stream every matching page as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, _ := cmd.Flags().GetStringSlice("param")
			maxPages, _ := cmd.Flags().GetInt("max-pages")
			maxItems, _ := cmd.Flags().GetInt("max-items")
			count, _ := cmd.Flags().GetInt("count")

			_, c, err := setup()
			if err != nil {
				return err
			}

			query, err := parseParams(params)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			it := search.New(c, args[0], query, search.Options{
				MaxPages: maxPages,
				MaxItems: maxItems,
				PageSize: count,
			})
			written := 0
			for it.Next(ctx) {
				if err := writeNDJSON(it.Resource()); err != nil {
					return err
				}
				written++
			}
			if err := it.Err(); err != nil {
				return fmt.Errorf("search %s (wrote %d resources): %w", args[0], written, err)
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("param", nil, "Search parameter as key=value (repeatable)")
	cmd.Flags().Int("max-pages", 0, "Stop after this many pages (0 = unlimited)")
	cmd.Flags().Int("max-items", 0, "Stop after this many resources (0 = unlimited)")
	cmd.Flags().Int("count", 0, "Requested page size (0 = client default)")
	return cmd
}

func fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <ResourceType> <id>...",
		Short: "Fetch resources by id in parallel and stream them as NDJSON",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			concurrency, _ := cmd.Flags().GetInt("concurrency")

			cfg, c, err := setup()
			if err != nil {
				return err
			}
			if concurrency <= 0 {
				concurrency = cfg.MaxConcurrency
			}

			ctx, cancel := signalContext()
			defer cancel()

			resourceType, ids := args[0], args[1:]
			f := fetch.New(c, fetch.Config{MaxConcurrency: concurrency})
			resources, failures := f.FetchMany(ctx, resourceType, ids)

			// Preserve input order in the output stream.
			for _, id := range ids {
				if resource, ok := resources[id]; ok {
					if err := writeNDJSON(resource); err != nil {
						return err
					}
				}
			}
			if len(failures) > 0 {
				failed := make([]string, 0, len(failures))
				for id := range failures {
					failed = append(failed, id)
				}
				return fmt.Errorf("%d of %d fetches failed: %s",
					len(failures), len(ids), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().Int("concurrency", 0, "Maximum parallel fetches (0 = config default)")
	return cmd
}

// parseParams turns repeated key=value flags into search parameters.
func parseParams(pairs []string) (url.Values, error) {
	params := make(url.Values, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid search parameter %q, want key=value", pair)
		}
		params.Add(key, value)
	}
	return params, nil
}
