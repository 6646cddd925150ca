package driver

import (
	"context"
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"objectflow/internal/query"
)

// Mongo lowers the query AST to MongoDB filter documents. Records are
// keyed by the application-level "id" field, not Mongo's _id, so the
// same documents round-trip through every driver unchanged.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects to MongoDB and selects the named database.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &Mongo{client: client, db: client.Database(database)}, nil
}

func (m *Mongo) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }

func (m *Mongo) collection(object string) *mongo.Collection {
	return m.db.Collection(object)
}

func (m *Mongo) Find(ctx context.Context, object string, q *query.Query) ([]Record, error) {
	filter, err := mongoFilter(q.Filters)
	if err != nil {
		return nil, err
	}

	opts := options.Find()
	if len(q.Sort) > 0 {
		sortDoc := bson.D{}
		for _, s := range q.Sort {
			dir := 1
			if s.Dir == "desc" {
				dir = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: s.Field, Value: dir})
		}
		opts.SetSort(sortDoc)
	}
	if q.Skip > 0 {
		opts.SetSkip(int64(q.Skip))
	}
	if q.Top > 0 {
		opts.SetLimit(int64(q.Top))
	}
	if len(q.Fields) > 0 {
		projection := bson.M{"_id": 0}
		for _, f := range q.Fields {
			projection[f] = 1
		}
		opts.SetProjection(projection)
	} else {
		opts.SetProjection(bson.M{"_id": 0})
	}

	cursor, err := m.collection(object).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", object, err)
	}
	defer cursor.Close(ctx)

	var results []Record
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", object, err)
		}
		results = append(results, Record(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor %s: %w", object, err)
	}
	return results, nil
}

func (m *Mongo) FindOne(ctx context.Context, object string, id any) (Record, error) {
	var doc bson.M
	opts := options.FindOne().SetProjection(bson.M{"_id": 0})
	err := m.collection(object).FindOne(ctx, bson.M{"id": id}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find one %s: %w", object, err)
	}
	return Record(doc), nil
}

func (m *Mongo) Insert(ctx context.Context, object string, doc Record) (Record, error) {
	if _, err := m.collection(object).InsertOne(ctx, bson.M(doc)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %v", ErrUniqueViolation, err)
		}
		return nil, fmt.Errorf("insert %s: %w", object, err)
	}
	return doc, nil
}

func (m *Mongo) Update(ctx context.Context, object string, id any, doc Record) (Record, error) {
	update := bson.M{}
	for k, v := range doc {
		if k == "id" {
			continue
		}
		update[k] = v
	}
	result, err := m.collection(object).UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": update})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %v", ErrUniqueViolation, err)
		}
		return nil, fmt.Errorf("update %s: %w", object, err)
	}
	if result.MatchedCount == 0 {
		return nil, ErrNotFound
	}
	return m.FindOne(ctx, object, id)
}

// FindOneAndUpdate applies the patch and returns the updated document in
// one round trip.
func (m *Mongo) FindOneAndUpdate(ctx context.Context, object string, id any, doc Record) (Record, error) {
	update := bson.M{}
	for k, v := range doc {
		if k == "id" {
			continue
		}
		update[k] = v
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"_id": 0})
	var out bson.M
	err := m.collection(object).
		FindOneAndUpdate(ctx, bson.M{"id": id}, bson.M{"$set": update}, opts).
		Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find and update %s: %w", object, err)
	}
	return Record(out), nil
}

func (m *Mongo) Delete(ctx context.Context, object string, id any) error {
	result, err := m.collection(object).DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return fmt.Errorf("delete %s: %w", object, err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) Count(ctx context.Context, object string, filters []any) (int64, error) {
	filter, err := mongoFilter(filters)
	if err != nil {
		return 0, err
	}
	n, err := m.collection(object).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", object, err)
	}
	return n, nil
}

func (m *Mongo) Distinct(ctx context.Context, object, field string, filters []any) ([]any, error) {
	filter, err := mongoFilter(filters)
	if err != nil {
		return nil, err
	}
	values, err := m.collection(object).Distinct(ctx, field, filter)
	if err != nil {
		return nil, fmt.Errorf("distinct %s.%s: %w", object, field, err)
	}
	return values, nil
}

func (m *Mongo) Aggregate(ctx context.Context, object string, q *query.Query) ([]Record, error) {
	filter, err := mongoFilter(q.Filters)
	if err != nil {
		return nil, err
	}

	groupID := any(nil)
	if len(q.GroupBy) > 0 {
		idDoc := bson.M{}
		for _, f := range q.GroupBy {
			idDoc[f] = "$" + f
		}
		groupID = idDoc
	}
	group := bson.M{"_id": groupID}
	for _, agg := range q.Aggregations {
		alias := agg.Alias
		if alias == "" {
			alias = agg.Func + "_" + agg.Field
		}
		switch agg.Func {
		case "count":
			group[alias] = bson.M{"$sum": 1}
		case "sum", "avg", "min", "max":
			group[alias] = bson.M{"$" + agg.Func: "$" + agg.Field}
		default:
			return nil, fmt.Errorf("%w: aggregation %s", ErrUnsupported, agg.Func)
		}
	}

	pipeline := mongo.Pipeline{}
	if len(filter) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: filter}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$group", Value: group}})

	cursor, err := m.collection(object).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", object, err)
	}
	defer cursor.Close(ctx)

	var results []Record
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", object, err)
		}
		// Flatten the composite group key back into top-level fields.
		if idDoc, ok := doc["_id"].(bson.M); ok {
			for k, v := range idDoc {
				doc[k] = v
			}
		}
		delete(doc, "_id")
		results = append(results, Record(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor %s: %w", object, err)
	}
	return results, nil
}

// Begin opens a session-backed transaction. Requires a replica set or
// mongos; standalone servers reject multi-document transactions.
func (m *Mongo) Begin(ctx context.Context) (Tx, error) {
	session, err := m.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	return &mongoTx{parent: m, session: session}, nil
}

type mongoTx struct {
	parent  *Mongo
	session mongo.Session
}

func (t *mongoTx) run(ctx context.Context, fn func(mongo.SessionContext) error) error {
	return mongo.WithSession(ctx, t.session, fn)
}

func (t *mongoTx) Find(ctx context.Context, object string, q *query.Query) ([]Record, error) {
	var out []Record
	err := t.run(ctx, func(sc mongo.SessionContext) error {
		var err error
		out, err = t.parent.Find(sc, object, q)
		return err
	})
	return out, err
}

func (t *mongoTx) FindOne(ctx context.Context, object string, id any) (Record, error) {
	var out Record
	err := t.run(ctx, func(sc mongo.SessionContext) error {
		var err error
		out, err = t.parent.FindOne(sc, object, id)
		return err
	})
	return out, err
}

func (t *mongoTx) Insert(ctx context.Context, object string, doc Record) (Record, error) {
	var out Record
	err := t.run(ctx, func(sc mongo.SessionContext) error {
		var err error
		out, err = t.parent.Insert(sc, object, doc)
		return err
	})
	return out, err
}

func (t *mongoTx) Update(ctx context.Context, object string, id any, doc Record) (Record, error) {
	var out Record
	err := t.run(ctx, func(sc mongo.SessionContext) error {
		var err error
		out, err = t.parent.Update(sc, object, id, doc)
		return err
	})
	return out, err
}

func (t *mongoTx) Delete(ctx context.Context, object string, id any) error {
	return t.run(ctx, func(sc mongo.SessionContext) error {
		return t.parent.Delete(sc, object, id)
	})
}

func (t *mongoTx) Count(ctx context.Context, object string, filters []any) (int64, error) {
	var out int64
	err := t.run(ctx, func(sc mongo.SessionContext) error {
		var err error
		out, err = t.parent.Count(sc, object, filters)
		return err
	})
	return out, err
}

func (t *mongoTx) Commit(ctx context.Context) error {
	defer t.session.EndSession(ctx)
	return t.session.CommitTransaction(ctx)
}

func (t *mongoTx) Rollback(ctx context.Context) error {
	defer t.session.EndSession(ctx)
	return t.session.AbortTransaction(ctx)
}

// mongoFilter lowers the normalized infix filter form to a MongoDB filter
// document. Mixed and/or at the same level binds left to right, matching
// how the other drivers evaluate the flat form.
func mongoFilter(filters []any) (bson.M, error) {
	if len(filters) == 0 {
		return bson.M{}, nil
	}

	var acc bson.M
	logic := query.And
	first := true
	for _, item := range filters {
		if token, ok := item.(string); ok {
			switch token {
			case query.And, query.Or:
				logic = token
			default:
				return nil, fmt.Errorf("unexpected token %q in filter", token)
			}
			continue
		}

		group, ok := item.([]any)
		if !ok {
			return nil, fmt.Errorf("unexpected filter element %v", item)
		}

		var clause bson.M
		if field, op, value, isCond := query.Condition(group); isCond {
			var err error
			clause, err = mongoCondition(field, op, value)
			if err != nil {
				return nil, err
			}
		} else {
			var err error
			clause, err = mongoFilter(group)
			if err != nil {
				return nil, err
			}
		}

		if first {
			acc = clause
			first = false
			continue
		}
		if logic == query.Or {
			acc = bson.M{"$or": bson.A{acc, clause}}
		} else {
			acc = bson.M{"$and": bson.A{acc, clause}}
		}
	}
	if acc == nil {
		acc = bson.M{}
	}
	return acc, nil
}

func mongoCondition(field, op string, value any) (bson.M, error) {
	switch op {
	case query.OpEq:
		return bson.M{field: bson.M{"$eq": value}}, nil
	case query.OpNe:
		return bson.M{field: bson.M{"$ne": value}}, nil
	case query.OpGt:
		return bson.M{field: bson.M{"$gt": value}}, nil
	case query.OpGte:
		return bson.M{field: bson.M{"$gte": value}}, nil
	case query.OpLt:
		return bson.M{field: bson.M{"$lt": value}}, nil
	case query.OpLte:
		return bson.M{field: bson.M{"$lte": value}}, nil
	case query.OpIn:
		return bson.M{field: bson.M{"$in": listValue(value)}}, nil
	case query.OpNin:
		return bson.M{field: bson.M{"$nin": listValue(value)}}, nil
	case query.OpContains:
		return bson.M{field: primitive.Regex{Pattern: regexp.QuoteMeta(fmt.Sprintf("%v", value))}}, nil
	case query.OpStartsWith:
		return bson.M{field: primitive.Regex{Pattern: "^" + regexp.QuoteMeta(fmt.Sprintf("%v", value))}}, nil
	case query.OpEndsWith:
		return bson.M{field: primitive.Regex{Pattern: regexp.QuoteMeta(fmt.Sprintf("%v", value)) + "$"}}, nil
	case query.OpNull:
		wantNull := true
		if b, ok := value.(bool); ok {
			wantNull = b
		}
		if wantNull {
			return bson.M{field: bson.M{"$eq": nil}}, nil
		}
		return bson.M{field: bson.M{"$ne": nil}}, nil
	default:
		return nil, fmt.Errorf("%w: operator %s", ErrUnsupported, op)
	}
}

func listValue(value any) bson.A {
	if list, ok := value.(bson.A); ok {
		return list
	}
	if list, ok := value.([]any); ok {
		return bson.A(list)
	}
	return bson.A{value}
}
