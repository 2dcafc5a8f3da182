package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/db"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	readingsCollection = "sensor_readings"
	alertsCollection   = "alerts"
	devicesCollection  = "devices"
)

// MongoStore persists readings, alerts and device states in MongoDB
type MongoStore struct {
	readings *mongo.Collection
	alerts   *mongo.Collection
	devices  *mongo.Collection
}

type mongoReading struct {
	ID         bson.ObjectID `bson:"_id,omitempty"`
	db.Reading `bson:",inline"`
}

// NewMongoStore creates the store and ensures its indexes exist
func NewMongoStore(ctx context.Context, client *mongo.Client, database string) (*MongoStore, error) {
	mdb := client.Database(database)
	s := &MongoStore{
		readings: mdb.Collection(readingsCollection),
		alerts:   mdb.Collection(alertsCollection),
		devices:  mdb.Collection(devicesCollection),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	readingIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "device_id", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
		{
			Keys: bson.D{
				{Key: "device_id", Value: 1},
				{Key: "sensor_type", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
	}
	if _, err := s.readings.Indexes().CreateMany(ctx, readingIndexes); err != nil {
		return nil, fmt.Errorf("[MONGODB] failed to create reading indexes: %w", err)
	}

	alertIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "alert_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "device_id", Value: 1},
				{Key: "triggered_at", Value: -1},
			},
		},
	}
	if _, err := s.alerts.Indexes().CreateMany(ctx, alertIndexes); err != nil {
		return nil, fmt.Errorf("[MONGODB] failed to create alert indexes: %w", err)
	}

	if _, err := s.devices.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "device_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("[MONGODB] failed to create device index: %w", err)
	}

	return s, nil
}

// InsertReading inserts a reading and returns the generated ObjectID as hex
func (s *MongoStore) InsertReading(ctx context.Context, reading *db.Reading) (string, error) {
	res, err := s.readings.InsertOne(ctx, mongoReading{Reading: *reading})
	if err != nil {
		return "", fmt.Errorf("failed to insert sensor reading: %w", err)
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

// FindLatest returns the newest reading of a device
func (s *MongoStore) FindLatest(ctx context.Context, deviceID string) (*db.Reading, error) {
	return s.findLatest(ctx, bson.M{"device_id": deviceID})
}

// FindLatestBySensor returns the newest reading of a device for one sensor kind
func (s *MongoStore) FindLatestBySensor(ctx context.Context, deviceID, sensorType string) (*db.Reading, error) {
	return s.findLatest(ctx, bson.M{"device_id": deviceID, "sensor_type": sensorType})
}

func (s *MongoStore) findLatest(ctx context.Context, filter bson.M) (*db.Reading, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})

	var doc mongoReading
	err := s.readings.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest reading: %w", err)
	}

	reading := doc.Reading
	reading.ID = doc.ID.Hex()
	return &reading, nil
}

// CountSince counts readings of a device since cutoff
func (s *MongoStore) CountSince(ctx context.Context, deviceID string, cutoff time.Time) (int64, error) {
	n, err := s.readings.CountDocuments(ctx, bson.M{
		"device_id": deviceID,
		"timestamp": bson.M{"$gte": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return n, nil
}

// DeviceStats aggregates count, average, min and max of a device's readings since cutoff
func (s *MongoStore) DeviceStats(ctx context.Context, deviceID string, cutoff time.Time) (*db.DeviceStats, error) {
	pipeline := []bson.M{
		{"$match": bson.M{
			"device_id": deviceID,
			"timestamp": bson.M{"$gte": cutoff},
		}},
		{"$group": bson.M{
			"_id":   "$device_id",
			"count": bson.M{"$sum": 1},
			"avg":   bson.M{"$avg": "$value"},
			"min":   bson.M{"$min": "$value"},
			"max":   bson.M{"$max": "$value"},
		}},
	}

	cursor, err := s.readings.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate readings: %w", err)
	}
	defer cursor.Close(ctx)

	var results []db.DeviceStats
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode aggregate: %w", err)
	}
	if len(results) == 0 {
		return &db.DeviceStats{DeviceID: deviceID}, nil
	}
	return &results[0], nil
}

// InsertAlert inserts an alert event
func (s *MongoStore) InsertAlert(ctx context.Context, event *db.AlertEvent) error {
	if _, err := s.alerts.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// FindAlert returns an alert by id
func (s *MongoStore) FindAlert(ctx context.Context, alertID string) (*db.AlertEvent, error) {
	var event db.AlertEvent
	err := s.alerts.FindOne(ctx, bson.M{"alert_id": alertID}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alert: %w", err)
	}
	return &event, nil
}

// AcknowledgeAlert flips acknowledged from false to true
func (s *MongoStore) AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) error {
	res, err := s.alerts.UpdateOne(ctx,
		bson.M{"alert_id": alertID, "acknowledged": false},
		bson.M{"$set": bson.M{"acknowledged": true, "acknowledged_at": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	if _, err := s.FindAlert(ctx, alertID); err != nil {
		return err
	}
	return ErrAlreadyAcknowledged
}

func alertQuery(filter AlertFilter) bson.M {
	query := bson.M{}
	if filter.DeviceID != "" {
		query["device_id"] = filter.DeviceID
	}
	if filter.Severity != "" {
		query["severity"] = filter.Severity
	}
	if !filter.Since.IsZero() {
		query["triggered_at"] = bson.M{"$gte": filter.Since}
	}
	return query
}

// ListAlerts returns matching alerts, newest first
func (s *MongoStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]db.AlertEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "triggered_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.alerts.Find(ctx, alertQuery(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer cursor.Close(ctx)

	alerts := make([]db.AlertEvent, 0)
	if err := cursor.All(ctx, &alerts); err != nil {
		return nil, fmt.Errorf("failed to decode alerts: %w", err)
	}
	return alerts, nil
}

// CountAlerts counts matching alerts per severity
func (s *MongoStore) CountAlerts(ctx context.Context, filter AlertFilter) (map[db.Severity]int64, error) {
	pipeline := []bson.M{
		{"$match": alertQuery(filter)},
		{"$group": bson.M{
			"_id":   "$severity",
			"count": bson.M{"$sum": 1},
		}},
	}

	cursor, err := s.alerts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Severity db.Severity `bson:"_id"`
		Count    int64       `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode alert counts: %w", err)
	}

	counts := make(map[db.Severity]int64, len(rows))
	for _, row := range rows {
		counts[row.Severity] = row.Count
	}
	return counts, nil
}

// UpsertDeviceState writes the liveness record of a device
func (s *MongoStore) UpsertDeviceState(ctx context.Context, state db.DeviceState) error {
	_, err := s.devices.UpdateOne(ctx,
		bson.M{"device_id": state.DeviceID},
		bson.M{"$set": state},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device state: %w", err)
	}
	return nil
}

// ListDeviceStates returns every persisted device state
func (s *MongoStore) ListDeviceStates(ctx context.Context) ([]db.DeviceState, error) {
	cursor, err := s.devices.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "device_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query device states: %w", err)
	}
	defer cursor.Close(ctx)

	var states []db.DeviceState
	if err := cursor.All(ctx, &states); err != nil {
		return nil, fmt.Errorf("failed to decode device states: %w", err)
	}
	return states, nil
}
