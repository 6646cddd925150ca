package driver

import (
	"reflect"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"objectflow/internal/query"
)

func TestMongoFilter_SingleCondition(t *testing.T) {
	got, err := mongoFilter([]any{[]any{"status", query.OpEq, "active"}})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	want := bson.M{"status": bson.M{"$eq": "active"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("filter = %v, want %v", got, want)
	}
}

func TestMongoFilter_LeftToRightBinding(t *testing.T) {
	// a or b and c binds as (a or b) and c in the flat form.
	got, err := mongoFilter([]any{
		[]any{"a", query.OpEq, 1},
		query.Or,
		[]any{"b", query.OpEq, 2},
		query.And,
		[]any{"c", query.OpEq, 3},
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	want := bson.M{"$and": bson.A{
		bson.M{"$or": bson.A{
			bson.M{"a": bson.M{"$eq": 1}},
			bson.M{"b": bson.M{"$eq": 2}},
		}},
		bson.M{"c": bson.M{"$eq": 3}},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("filter = %v, want %v", got, want)
	}
}

func TestMongoFilter_NestedGroup(t *testing.T) {
	got, err := mongoFilter([]any{
		[]any{"status", query.OpEq, "active"},
		query.Or,
		[]any{
			[]any{"dept", query.OpEq, "sales"},
			query.And,
			[]any{"age", query.OpGt, 50},
		},
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	want := bson.M{"$or": bson.A{
		bson.M{"status": bson.M{"$eq": "active"}},
		bson.M{"$and": bson.A{
			bson.M{"dept": bson.M{"$eq": "sales"}},
			bson.M{"age": bson.M{"$gt": 50}},
		}},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("filter = %v, want %v", got, want)
	}
}

func TestMongoCondition_TextOperatorsQuoteMeta(t *testing.T) {
	got, err := mongoCondition("name", query.OpContains, "a.b")
	if err != nil {
		t.Fatalf("condition: %v", err)
	}
	re, ok := got["name"].(primitive.Regex)
	if !ok {
		t.Fatalf("expected regex, got %T", got["name"])
	}
	if re.Pattern != `a\.b` {
		t.Errorf("pattern = %q, regex metacharacters must be escaped", re.Pattern)
	}

	got, err = mongoCondition("name", query.OpStartsWith, "Ada")
	if err != nil {
		t.Fatalf("condition: %v", err)
	}
	if got["name"].(primitive.Regex).Pattern != "^Ada" {
		t.Errorf("startswith pattern = %q", got["name"].(primitive.Regex).Pattern)
	}
}

func TestMongoCondition_Null(t *testing.T) {
	got, _ := mongoCondition("deleted_at", query.OpNull, true)
	if !reflect.DeepEqual(got, bson.M{"deleted_at": bson.M{"$eq": nil}}) {
		t.Errorf("null true = %v", got)
	}
	got, _ = mongoCondition("email", query.OpNull, false)
	if !reflect.DeepEqual(got, bson.M{"email": bson.M{"$ne": nil}}) {
		t.Errorf("null false = %v", got)
	}
}

func TestMongoFilter_Empty(t *testing.T) {
	got, err := mongoFilter(nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty filter = %v", got)
	}
}
