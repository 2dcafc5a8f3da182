//go:build integration

package repository

import (
	"context"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/telemetry-health-worker/internal/clock"
	"github.com/septivank/telemetry-health-worker/internal/db"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Run with: MONGO_URI=... DATABASE_URL=... go test -tags integration ./internal/repository/

func integrationStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stores := make(map[string]Store)

	if uri := os.Getenv("MONGO_URI"); uri != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			t.Fatalf("failed to create mongo client: %v", err)
		}
		t.Cleanup(func() { client.Disconnect(context.Background()) })

		database := "telemetry_it_" + uuid.NewString()[:8]
		t.Cleanup(func() { client.Database(database).Drop(context.Background()) })

		store, err := NewMongoStore(ctx, client, database)
		if err != nil {
			t.Fatalf("failed to create mongo store: %v", err)
		}
		stores["mongo"] = store
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			t.Fatalf("failed to create pool: %v", err)
		}
		t.Cleanup(pool.Close)
		if err := db.EnsureSchema(ctx, pool); err != nil {
			t.Fatalf("failed to create schema: %v", err)
		}
		stores["postgres"] = NewPostgresStore(pool)
	}

	if len(stores) == 0 {
		t.Skip("MONGO_URI and DATABASE_URL are unset")
	}
	return stores
}

func TestIntegration_ReadingRoundTrip(t *testing.T) {
	for name, store := range integrationStores(t) {
		t.Run(name, func(t *testing.T) {
			received := time.Now().Add(987654 * time.Nanosecond)
			w := NewWriter(store, clock.NewFake(received), 5*time.Second)

			in := &db.Reading{
				DeviceID:   "it-" + uuid.NewString(),
				DeviceType: "esp32",
				SensorType: "temperature",
				Value:      21.25,
				Unit:       "C",
				Location:   "greenhouse",
				Timestamp:  received.Add(-1500 * time.Microsecond),
			}
			if _, err := w.Write(context.Background(), in, "sensors/it/temperature"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got, err := store.FindLatest(context.Background(), in.DeviceID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got.Timestamp = got.Timestamp.UTC()
			got.ReceivedAt = got.ReceivedAt.UTC()
			if !reflect.DeepEqual(got, in) {
				t.Errorf("read-back differs:\n got %+v\nwant %+v", got, in)
			}
		})
	}
}

func TestIntegration_AlertListing(t *testing.T) {
	for name, store := range integrationStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			deviceID := "it-" + uuid.NewString()
			now := time.Now().UTC().Truncate(time.Millisecond)

			for i, sev := range []db.Severity{db.SeverityInfo, db.SeverityCritical, db.SeverityCritical} {
				event := &db.AlertEvent{
					AlertID:     uuid.NewString(),
					DeviceID:    deviceID,
					RuleName:    "r",
					Severity:    sev,
					TriggeredAt: now.Add(time.Duration(i) * time.Second),
				}
				if err := store.InsertAlert(ctx, event); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}

			alerts, err := store.ListAlerts(ctx, AlertFilter{DeviceID: deviceID, Limit: 2})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(alerts) != 2 || !alerts[0].TriggeredAt.After(alerts[1].TriggeredAt) {
				t.Errorf("expected 2 alerts newest first, got %+v", alerts)
			}

			counts, err := store.CountAlerts(ctx, AlertFilter{DeviceID: deviceID})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if counts[db.SeverityCritical] != 2 || counts[db.SeverityInfo] != 1 {
				t.Errorf("unexpected counts %v", counts)
			}
		})
	}
}
