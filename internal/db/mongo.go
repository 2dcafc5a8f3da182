package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewMongoClient creates a MongoDB client and ties its lifetime to the fx lifecycle
func NewMongoClient(lc fx.Lifecycle, logger *zap.Logger, uri string) (*mongo.Client, error) {
	logger.Info("initializing mongodb client")

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("[MONGODB] failed to create client: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("attempting to connect to mongodb...")
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
				logger.Error("mongodb ping failed", zap.Error(err), zap.String("uri", maskPassword(uri)))
				return fmt.Errorf("[MONGODB CONNECTION FAILED] cannot reach mongodb. Please check: 1) MongoDB is running, 2) MONGO_URI is correct, 3) Credentials are valid. Error: %w", err)
			}
			logger.Info("mongodb connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := client.Disconnect(ctx); err != nil {
				logger.Error("failed to disconnect mongodb", zap.Error(err))
				return err
			}
			logger.Info("mongodb connection closed")
			return nil
		},
	})

	return client, nil
}
