package services

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"github.com/temcen/knnrec/internal/ratings"
)

// RatingSource hands already parsed rating triples to the snapshot builder.
type RatingSource interface {
	LoadRatings(ctx context.Context) ([]ratings.Event, error)
}

// RatingSink persists rating events so the next rebuild sees them.
type RatingSink interface {
	StoreRatings(ctx context.Context, events []ratings.Event) error
}

// DatabaseQuerier interface for database operations
type DatabaseQuerier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRatings reads and writes the ratings table.
type PostgresRatings struct {
	db     DatabaseQuerier
	logger *logrus.Logger
}

func NewPostgresRatings(db DatabaseQuerier, logger *logrus.Logger) *PostgresRatings {
	return &PostgresRatings{db: db, logger: logger}
}

const (
	selectRatingsSQL = `SELECT user_id, item_id, rating FROM ratings ORDER BY updated_at, user_id, item_id`

	upsertRatingSQL = `
		INSERT INTO ratings (user_id, item_id, rating, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, item_id)
		DO UPDATE SET rating = EXCLUDED.rating, updated_at = EXCLUDED.updated_at`
)

// LoadRatings streams the whole ratings table. Rows come back oldest first so
// the Overwrite policy keeps the most recent value.
func (p *PostgresRatings) LoadRatings(ctx context.Context) ([]ratings.Event, error) {
	rows, err := p.db.Query(ctx, selectRatingsSQL)
	if err != nil {
		return nil, fmt.Errorf("ratings query failed: %w", err)
	}
	defer rows.Close()

	var events []ratings.Event
	for rows.Next() {
		var userID, itemID int64
		var rating float64
		if err := rows.Scan(&userID, &itemID, &rating); err != nil {
			return nil, fmt.Errorf("failed to scan rating row: %w", err)
		}
		events = append(events, ratings.Event{UserID: int(userID), ItemID: int(itemID), Rating: rating})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ratings: %w", err)
	}

	p.logger.WithField("ratings", len(events)).Debug("Ratings loaded from PostgreSQL")
	return events, nil
}

// StoreRatings upserts events in one transaction.
func (p *PostgresRatings) StoreRatings(ctx context.Context, events []ratings.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		if _, err := tx.Exec(ctx, upsertRatingSQL, e.UserID, e.ItemID, e.Rating); err != nil {
			return fmt.Errorf("failed to store rating (user=%d, item=%d): %w", e.UserID, e.ItemID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ratings: %w", err)
	}
	return nil
}

// Neo4jRatingSource reads (:User)-[:RATED]->(:Item) relationships.
type Neo4jRatingSource struct {
	driver neo4j.DriverWithContext
	logger *logrus.Logger
}

func NewNeo4jRatingSource(driver neo4j.DriverWithContext, logger *logrus.Logger) *Neo4jRatingSource {
	return &Neo4jRatingSource{driver: driver, logger: logger}
}

func (s *Neo4jRatingSource) LoadRatings(ctx context.Context) ([]ratings.Event, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (u:User)-[r:RATED]->(i:Item)
		RETURN u.index AS user_id, i.index AS item_id, toFloat(r.rating) AS rating`

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		res, err := tx.Run(ctx, query, nil)
		if err != nil {
			return nil, err
		}
		var events []ratings.Event
		for res.Next(ctx) {
			record := res.Record()
			userID, ok1 := record.Values[0].(int64)
			itemID, ok2 := record.Values[1].(int64)
			rating, ok3 := record.Values[2].(float64)
			if !ok1 || !ok2 || !ok3 {
				return nil, fmt.Errorf("unexpected rating record %v", record.Values)
			}
			events = append(events, ratings.Event{UserID: int(userID), ItemID: int(itemID), Rating: rating})
		}
		return events, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j ratings query failed: %w", err)
	}

	events, _ := result.([]ratings.Event)
	s.logger.WithField("ratings", len(events)).Debug("Ratings loaded from Neo4j")
	return events, nil
}

// CSVRatingSource reads a ratings file with a header naming the user, item and
// rating columns (MovieLens "userId,movieId,rating,timestamp" works as is).
type CSVRatingSource struct {
	path   string
	logger *logrus.Logger
}

func NewCSVRatingSource(path string, logger *logrus.Logger) *CSVRatingSource {
	return &CSVRatingSource{path: path, logger: logger}
}

func (s *CSVRatingSource) LoadRatings(ctx context.Context) ([]ratings.Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ratings file: %w", err)
	}
	defer f.Close()

	events, err := ReadRatingsCSV(ctx, bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	s.logger.WithFields(logrus.Fields{
		"path":    s.path,
		"ratings": len(events),
	}).Debug("Ratings loaded from CSV")
	return events, nil
}

var csvColumnAliases = map[string]string{
	"userid":  "user",
	"user_id": "user",
	"user":    "user",
	"movieid": "item",
	"itemid":  "item",
	"item_id": "item",
	"item":    "item",
	"rating":  "rating",
}

func normalizeHeader(field string) string {
	field = norm.NFKC.String(strings.TrimPrefix(field, "\uFEFF"))
	return strings.ToLower(strings.TrimSpace(field))
}

// ReadRatingsCSV parses rating triples from r. Extra columns are ignored.
func ReadRatingsCSV(ctx context.Context, r io.Reader) ([]ratings.Event, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	columns := map[string]int{}
	for i, field := range header {
		if name, ok := csvColumnAliases[normalizeHeader(field)]; ok {
			columns[name] = i
		}
	}
	for _, name := range []string{"user", "item", "rating"} {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("missing %s column in header %v", name, header)
		}
	}
	width := max(columns["user"], columns["item"], columns["rating"]) + 1

	var events []ratings.Event
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line%100000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(record) < width {
			return nil, fmt.Errorf("line %d: expected at least %d fields, got %d", line, width, len(record))
		}
		userID, err := strconv.Atoi(strings.TrimSpace(record[columns["user"]]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid user id: %w", line, err)
		}
		itemID, err := strconv.Atoi(strings.TrimSpace(record[columns["item"]]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid item id: %w", line, err)
		}
		rating, err := strconv.ParseFloat(strings.TrimSpace(record[columns["rating"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid rating: %w", line, err)
		}
		events = append(events, ratings.Event{UserID: userID, ItemID: itemID, Rating: rating})
	}
	return events, nil
}
