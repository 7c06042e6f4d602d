package xmongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// 集合名。
const (
	ItemsCollection      = "xcoord_work_items"
	ExecutionsCollection = "xcoord_executions"
)

// ErrNilDatabase 传入的数据库为 nil。
var ErrNilDatabase = errors.New("xmongo: nil database")

// Connect 连接并 Ping 主节点。
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("xmongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("xmongo: ping: %w", err)
	}
	return client, nil
}

// EnsureIndexes 创建认领与查询所需的索引，可重复调用。
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	if db == nil {
		return ErrNilDatabase
	}
	_, err := db.Collection(ItemsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("claim_order"),
		},
		{
			Keys:    bson.D{{Key: "claim_owner", Value: 1}},
			Options: options.Index().SetName("claim_owner").SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("xmongo: create item indexes: %w", err)
	}

	_, err = db.Collection(ExecutionsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "job_name", Value: 1}, {Key: "started_at", Value: -1}},
			Options: options.Index().SetName("job_started"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "started_at", Value: -1}},
			Options: options.Index().SetName("status_started"),
		},
	})
	if err != nil {
		return fmt.Errorf("xmongo: create execution indexes: %w", err)
	}
	return nil
}
