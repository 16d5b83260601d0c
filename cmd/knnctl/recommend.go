package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/temcen/knnrec/internal/neighbors"
	"github.com/temcen/knnrec/internal/services"
)

var recommendCmd = &cobra.Command{
	Use:   "recommend [ratings.csv] [user id]",
	Short: "Build the matrix from a CSV file and print recommendations for one user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var userID int
		if _, err := fmt.Sscan(args[1], &userID); err != nil {
			return fmt.Errorf("invalid user id %q", args[1])
		}
		count, _ := cmd.Flags().GetInt("count")
		cfg := loadConfig()
		if k, _ := cmd.Flags().GetInt("k"); k > 0 {
			cfg.Recommender.K = k
		}

		snapshots := services.NewSnapshotService(&cfg.Recommender, services.NewCSVRatingSource(args[0], logger), false, nil, logger)
		snap, err := snapshots.Rebuild(cmd.Context())
		if err != nil {
			return err
		}

		result, err := snap.Engine.Recommend(cmd.Context(), neighbors.RowQuery(userID), count)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	recommendCmd.Flags().Int("count", 10, "number of recommendations")
	recommendCmd.Flags().Int("k", 0, "neighbors per query, overrides recommender.k")
}
