package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	fetchOwner   string
	fetchRepo    string
	fetchStart   string
	fetchEnd     string
	fetchNoCache bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch commit history for a repository and date range",
	Long: `Fetch commits from GitHub into local storage. Already-fetched ranges
are served from cache; interrupted fetches resume from the last saved
page cursor.`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchOwner, "owner", "", "repository owner (default: configured owner)")
	fetchCmd.Flags().StringVar(&fetchRepo, "repo", "", "repository name (default: configured repository)")
	fetchCmd.Flags().StringVar(&fetchStart, "start", "", "start date, YYYY-MM-DD (default: 365 days ago)")
	fetchCmd.Flags().StringVar(&fetchEnd, "end", "", "end date inclusive, YYYY-MM-DD (default: yesterday)")
	fetchCmd.Flags().BoolVar(&fetchNoCache, "no-cache", false, "discard cached data and refetch")
}

func runFetch(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	owner := fetchOwner
	if owner == "" {
		owner = cfg.GitHub.DefaultOwner
	}
	repo := fetchRepo
	if repo == "" {
		repo = cfg.GitHub.DefaultRepo
	}

	now := time.Now().UTC()
	start := now.AddDate(0, 0, -365).Truncate(24 * time.Hour)
	end := now.AddDate(0, 0, -1).Truncate(24 * time.Hour)

	if fetchStart != "" {
		parsed, err := time.ParseInLocation("2006-01-02", fetchStart, time.UTC)
		if err != nil {
			return fmt.Errorf("invalid --start %q, expected YYYY-MM-DD", fetchStart)
		}
		start = parsed
	}
	if fetchEnd != "" {
		parsed, err := time.ParseInLocation("2006-01-02", fetchEnd, time.UTC)
		if err != nil {
			return fmt.Errorf("invalid --end %q, expected YYYY-MM-DD", fetchEnd)
		}
		end = parsed
	}
	if end.Before(start) {
		return fmt.Errorf("--end must not be before --start")
	}

	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	_, orchestrator := buildPipeline(store)

	fmt.Printf("🔄 Fetching %s/%s from %s to %s...\n",
		owner, repo, start.Format("2006-01-02"), end.Format("2006-01-02"))

	startTime := time.Now()
	result := orchestrator.EnsureData(cmd.Context(), owner, repo, start, end.AddDate(0, 0, 1), fetchNoCache)
	if !result.Success {
		return fmt.Errorf("fetch failed: %s", result.Message)
	}

	if result.CacheUsed {
		fmt.Printf("✅ Served from cache: %d commits\n", result.CommitCount)
	} else {
		fmt.Printf("✅ Fetched %d commits over %d pages in %s\n",
			result.CommitCount, result.PagesFetched, time.Since(startTime).Round(time.Millisecond))
	}
	return nil
}
