package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/huyyxy/memmachine/internal/config"
	"github.com/huyyxy/memmachine/internal/embedder"
	"github.com/huyyxy/memmachine/internal/store"
)

var (
	profileIsolations string
	searchIsolations  string
	searchLimit       int
	searchMinSim      float64
)

var profileCmd = &cobra.Command{
	Use:   "profile [user]",
	Short: "Show a user's profile",
	Long:  "Print the stored profile for a user, grouped by tag and feature.",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfile,
}

var searchCmd = &cobra.Command{
	Use:   "search [user] [query]",
	Short: "Search a user's profile by similarity",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSearch,
}

func init() {
	profileCmd.Flags().StringVar(&profileIsolations, "isolations", "", `Isolation filter as JSON, e.g. {"group":"g1"}`)

	searchCmd.Flags().StringVar(&searchIsolations, "isolations", "", `Isolation filter as JSON, e.g. {"group":"g1"}`)
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum number of results")
	searchCmd.Flags().Float64Var(&searchMinSim, "min-similarity", -1, "Minimum cosine similarity")
}

func parseIsolationsFlag(raw string) (store.Isolations, error) {
	if raw == "" {
		return nil, nil
	}
	var iso store.Isolations
	if err := json.Unmarshal([]byte(raw), &iso); err != nil {
		return nil, fmt.Errorf("parse isolations: %w", err)
	}
	return iso, nil
}

func runProfile(cmd *cobra.Command, args []string) error {
	userID := args[0]

	iso, err := parseIsolationsFlag(profileIsolations)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	storage, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer storage.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prof, err := storage.GetProfile(ctx, userID, iso)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}
	if len(prof) == 0 {
		fmt.Println("No profile found.")
		return nil
	}

	tags := make([]string, 0, len(prof))
	for tag := range prof {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		fmt.Printf("## %s\n", tag)
		features := make([]string, 0, len(prof[tag]))
		for feature := range prof[tag] {
			features = append(features, feature)
		}
		sort.Strings(features)
		for _, feature := range features {
			for _, v := range prof[tag][feature] {
				fmt.Printf("  %s: %s\n", feature, v.Value)
			}
		}
		fmt.Println()
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	userID := args[0]
	query := strings.Join(args[1:], " ")

	iso, err := parseIsolationsFlag(searchIsolations)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	storage, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer storage.Cleanup()

	embed, err := embedder.New(cfg.Embedder)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vecs, err := embed.SearchEmbed(ctx, []string{query}, cfg.Embedder.MaxAttempts)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}

	results, err := storage.SemanticSearch(ctx, userID, vecs[0], searchLimit, searchMinSim, iso)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	for i, e := range results {
		score, _ := e.Metadata["similarity_score"].(float64)
		fmt.Printf("%d. [%.3f] %s / %s\n", i+1, score, e.Tag, e.Feature)
		fmt.Printf("   %s\n", e.Value)
		if len(e.Citations) > 0 {
			fmt.Printf("   cites messages %v\n", e.Citations)
		}
		fmt.Println()
	}
	return nil
}
