package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// QueryBuilder provides a fluent interface over a single Mongo collection.
// It only carries the surface the Call History Store actually needs
// (equality lookup, insert, find-one); it is not a general CRUD layer.
type QueryBuilder struct {
	collection *mongo.Collection
	filter     bson.M
}

// NewQuery creates a new query builder for a collection
func (c *Client) NewQuery(collectionName string) *QueryBuilder {
	return &QueryBuilder{
		collection: c.Collection(collectionName),
		filter:     bson.M{},
	}
}

// Eq adds an equality filter
func (q *QueryBuilder) Eq(field string, value interface{}) *QueryBuilder {
	q.filter[field] = value
	return q
}

// FindOne executes a find one query
func (q *QueryBuilder) FindOne(ctx context.Context) (map[string]interface{}, error) {
	var result map[string]interface{}
	err := q.collection.FindOne(ctx, q.filter).Decode(&result)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Insert inserts a document
func (q *QueryBuilder) Insert(ctx context.Context, document interface{}) (interface{}, error) {
	result, err := q.collection.InsertOne(ctx, document)
	if err != nil {
		return nil, err
	}
	return result.InsertedID, nil
}
