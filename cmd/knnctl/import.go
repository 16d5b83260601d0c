package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/temcen/knnrec/internal/messaging"
	"github.com/temcen/knnrec/internal/ratings"
	"github.com/temcen/knnrec/internal/services"
	"github.com/temcen/knnrec/pkg/models"
)

var importCmd = &cobra.Command{
	Use:   "import [ratings.csv]",
	Short: "Import a ratings CSV into PostgreSQL or the rating events topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		toKafka, _ := cmd.Flags().GetBool("kafka")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		if batchSize < 1 {
			return fmt.Errorf("batch size must be positive, got %d", batchSize)
		}
		cfg := loadConfig()
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		events, err := services.ReadRatingsCSV(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		logger.WithField("events", len(events)).Info("Parsed ratings file")

		var store func(context.Context, []ratings.Event) error
		if toKafka {
			producer := messaging.NewRatingProducer(&cfg.Kafka, logger)
			defer producer.Close()
			store = func(ctx context.Context, batch []ratings.Event) error {
				out := make([]models.RatingEvent, len(batch))
				for i, e := range batch {
					out[i] = models.RatingEvent{UserID: e.UserID, ItemID: e.ItemID, Rating: e.Rating}
				}
				return producer.Publish(ctx, out...)
			}
		} else {
			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
			}
			defer pool.Close()
			store = services.NewPostgresRatings(pool, logger).StoreRatings
		}

		for start := 0; start < len(events); start += batchSize {
			end := min(start+batchSize, len(events))
			if err := store(ctx, events[start:end]); err != nil {
				return fmt.Errorf("failed to import ratings %d-%d: %w", start, end, err)
			}
			logger.WithField("imported", end).Debug("Batch imported")
		}
		logger.WithField("events", len(events)).Info("Ratings imported")
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("kafka", false, "publish to the rating events topic instead of writing PostgreSQL")
	importCmd.Flags().Int("batch-size", 1000, "ratings per write")
}
