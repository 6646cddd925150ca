// Package pipeline composes the metadata registry, query translation,
// lifecycle hooks, validation and formula evaluation into the single
// operation path every caller goes through. Nothing reaches a storage
// driver except through a Repository.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"objectflow/internal/driver"
	"objectflow/internal/formula"
	"objectflow/internal/hooks"
	"objectflow/internal/metadata"
	"objectflow/internal/query"
	"objectflow/internal/validation"
)

var (
	ErrUnknownObject = errors.New("unknown object")
	ErrUnknownAction = errors.New("unknown action")
)

// Pipeline owns the shared machinery: one registry, one driver, one hook
// dispatcher, one formula engine, one validator.
type Pipeline struct {
	registry  *metadata.Registry
	driver    driver.Driver
	hooks     *hooks.Dispatcher
	formulas  *formula.Engine
	validator *validation.Engine
}

func New(registry *metadata.Registry, drv driver.Driver) *Pipeline {
	formulas := formula.NewEngine()
	return &Pipeline{
		registry:  registry,
		driver:    drv,
		hooks:     hooks.NewDispatcher(),
		formulas:  formulas,
		validator: validation.NewEngine(formulas),
	}
}

// Hooks exposes the dispatcher so feature packages can register handlers.
func (p *Pipeline) Hooks() *hooks.Dispatcher { return p.hooks }

// Formulas exposes the formula engine for helper registration.
func (p *Pipeline) Formulas() *formula.Engine { return p.formulas }

// Validator exposes the validation engine for custom rule registration.
func (p *Pipeline) Validator() *validation.Engine { return p.validator }

// Registry exposes the schema registry.
func (p *Pipeline) Registry() *metadata.Registry { return p.registry }

// Object returns the repository for the named object.
func (p *Pipeline) Object(name string) (*Repository, error) {
	obj := p.registry.Get(name)
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, name)
	}
	return &Repository{p: p, object: obj}, nil
}

// WithTransaction runs fn with every repository call in the derived
// context sharing one storage transaction. Commits when fn returns nil,
// rolls back otherwise. A transaction already present in ctx is reused
// and left for the outer call to finish.
func (p *Pipeline) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	tx, err := driver.Begin(ctx, p.driver)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(withTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.Printf("WARN rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// store picks the context's transaction when present, the base driver
// otherwise.
func (p *Pipeline) store(ctx context.Context) driver.Driver {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return p.driver
}

// Repository is the operation surface for one object.
type Repository struct {
	p      *Pipeline
	object *metadata.Object
}

func (r *Repository) Name() string             { return r.object.Name }
func (r *Repository) Object() *metadata.Object { return r.object }

func (r *Repository) hookContext(ctx context.Context, sess *Session, event hooks.Event) *hooks.Context {
	hc := &hooks.Context{Ctx: ctx, Event: event, Object: r.object.Name}
	if sess != nil {
		hc.UserID = sess.UserID
		hc.SpaceID = sess.SpaceID
		hc.Roles = sess.Roles
	}
	return hc
}

// Find translates the options, lets beforeFind hooks restrict or reshape
// the query, runs it and computes formula fields on every row.
func (r *Repository) Find(ctx context.Context, sess *Session, opts query.Options) ([]driver.Record, error) {
	q, err := query.NewTranslator(r.object).Translate(opts)
	if err != nil {
		return nil, err
	}

	hc := r.hookContext(ctx, sess, hooks.BeforeFind)
	hc.Query = q
	if err := r.p.hooks.Fire(hc); err != nil {
		return nil, err
	}

	rows, err := r.p.store(ctx).Find(ctx, r.object.Name, q)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		r.computeFormulas(row, sess, false)
	}

	after := r.hookContext(ctx, sess, hooks.AfterFind)
	after.Query = q
	after.Result = rows
	if err := r.p.hooks.Fire(after); err != nil {
		return nil, err
	}
	return rows, nil
}

// FindOne loads a single record by id. The lookup goes through the same
// beforeFind path as Find, so access restrictions injected by hooks apply
// to direct lookups too.
func (r *Repository) FindOne(ctx context.Context, sess *Session, id any) (driver.Record, error) {
	rows, err := r.Find(ctx, sess, query.Options{
		Filters: []any{[]any{"id", query.OpEq, id}},
		Top:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, driver.ErrNotFound
	}
	return rows[0], nil
}

// Count runs a count with hook restrictions applied. Filters go through
// the translator so they get the same schema field checks as Find.
func (r *Repository) Count(ctx context.Context, sess *Session, filters any) (int64, error) {
	q, err := query.NewTranslator(r.object).Translate(query.Options{Filters: filters})
	if err != nil {
		return 0, err
	}

	hc := r.hookContext(ctx, sess, hooks.BeforeFind)
	hc.Query = q
	if err := r.p.hooks.Fire(hc); err != nil {
		return 0, err
	}
	return r.p.store(ctx).Count(ctx, r.object.Name, q.Filters)
}

// Aggregate runs grouped aggregations with hook restrictions applied.
func (r *Repository) Aggregate(ctx context.Context, sess *Session, opts query.Options) ([]driver.Record, error) {
	q, err := query.NewTranslator(r.object).Translate(opts)
	if err != nil {
		return nil, err
	}

	hc := r.hookContext(ctx, sess, hooks.BeforeFind)
	hc.Query = q
	if err := r.p.hooks.Fire(hc); err != nil {
		return nil, err
	}
	return driver.Aggregate(ctx, r.p.store(ctx), r.object.Name, q)
}

// Create runs the full write path: defaults, beforeCreate hooks, system
// stamping, validation, insert, afterCreate hooks.
func (r *Repository) Create(ctx context.Context, sess *Session, doc map[string]any) (driver.Record, error) {
	doc = r.stripComputed(doc)
	r.applyDefaults(doc)
	if _, ok := doc["id"]; !ok && r.object.HasField("id") {
		doc["id"] = uuid.NewString()
	}

	hc := r.hookContext(ctx, sess, hooks.BeforeCreate)
	hc.Doc = doc
	if err := r.p.hooks.Fire(hc); err != nil {
		return nil, err
	}
	doc = hc.Doc // handlers may replace the document wholesale
	// Stamps land after hooks so handlers cannot forge authorship.
	r.stamp(doc, sess, true)

	if err := r.validate(ctx, sess, validation.OpCreate, doc, nil, doc["id"]); err != nil {
		return nil, err
	}

	created, err := r.p.store(ctx).Insert(ctx, r.object.Name, doc)
	if err != nil {
		return nil, err
	}
	r.computeFormulas(created, sess, true)

	after := r.hookContext(ctx, sess, hooks.AfterCreate)
	after.Doc = created
	after.Result = created
	if err := r.p.hooks.Fire(after); err != nil {
		return nil, err
	}
	return created, nil
}

// Update loads the previous record first so hooks and rules can compare
// old and new state.
func (r *Repository) Update(ctx context.Context, sess *Session, id any, doc map[string]any) (driver.Record, error) {
	previous, err := r.p.store(ctx).FindOne(ctx, r.object.Name, id)
	if err != nil {
		return nil, err
	}
	doc = r.stripComputed(doc)

	hc := r.hookContext(ctx, sess, hooks.BeforeUpdate)
	hc.ID = fmt.Sprintf("%v", id)
	hc.Doc = doc
	hc.Previous = previous
	if err := r.p.hooks.Fire(hc); err != nil {
		return nil, err
	}
	doc = hc.Doc
	r.stamp(doc, sess, false)

	if err := r.validate(ctx, sess, validation.OpUpdate, doc, previous, id); err != nil {
		return nil, err
	}

	updated, err := r.p.store(ctx).Update(ctx, r.object.Name, id, doc)
	if err != nil {
		return nil, err
	}
	r.computeFormulas(updated, sess, false)

	after := r.hookContext(ctx, sess, hooks.AfterUpdate)
	after.ID = hc.ID
	after.Doc = updated
	after.Previous = previous
	after.Result = updated
	if err := r.p.hooks.Fire(after); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete loads the record, fires beforeDelete, runs delete-triggered rules
// and removes it.
func (r *Repository) Delete(ctx context.Context, sess *Session, id any) error {
	previous, err := r.p.store(ctx).FindOne(ctx, r.object.Name, id)
	if err != nil {
		return err
	}

	hc := r.hookContext(ctx, sess, hooks.BeforeDelete)
	hc.ID = fmt.Sprintf("%v", id)
	hc.Previous = previous
	if err := r.p.hooks.Fire(hc); err != nil {
		return err
	}

	if err := r.validate(ctx, sess, validation.OpDelete, nil, previous, id); err != nil {
		return err
	}

	if err := r.p.store(ctx).Delete(ctx, r.object.Name, id); err != nil {
		return err
	}

	after := r.hookContext(ctx, sess, hooks.AfterDelete)
	after.ID = hc.ID
	after.Previous = previous
	return r.p.hooks.Fire(after)
}

// CreateMany inserts records independently; a failing record is reported
// in the result and does not stop the rest.
func (r *Repository) CreateMany(ctx context.Context, sess *Session, docs []map[string]any) *BulkResult {
	result := &BulkResult{}
	for i, doc := range docs {
		created, err := r.Create(ctx, sess, doc)
		if err != nil {
			result.addError(i, doc["id"], err)
			continue
		}
		result.Records = append(result.Records, created)
	}
	return result
}

// UpdateMany applies the same patch to each id independently.
func (r *Repository) UpdateMany(ctx context.Context, sess *Session, ids []any, doc map[string]any) *BulkResult {
	result := &BulkResult{}
	for i, id := range ids {
		patch := make(map[string]any, len(doc))
		for k, v := range doc {
			patch[k] = v
		}
		updated, err := r.Update(ctx, sess, id, patch)
		if err != nil {
			result.addError(i, id, err)
			continue
		}
		result.Records = append(result.Records, updated)
	}
	return result
}

// DeleteMany removes each id independently.
func (r *Repository) DeleteMany(ctx context.Context, sess *Session, ids []any) *BulkResult {
	result := &BulkResult{}
	for i, id := range ids {
		if err := r.Delete(ctx, sess, id); err != nil {
			result.addError(i, id, err)
		}
	}
	return result
}

// RunAction invokes a named action handler registered for the object. The
// handler receives the payload as Doc and reports its output via Result.
func (r *Repository) RunAction(ctx context.Context, sess *Session, name string, doc map[string]any) (any, error) {
	handler := r.p.hooks.Action(r.object.Name, name)
	if handler == nil {
		return nil, fmt.Errorf("%w: no action %s on %s", ErrUnknownAction, name, r.object.Name)
	}
	hc := r.hookContext(ctx, sess, hooks.Event("action:"+name))
	hc.Doc = doc
	if err := handler(hc); err != nil {
		return nil, fmt.Errorf("action %s on %s: %w", name, r.object.Name, err)
	}
	return hc.Result, nil
}

func (r *Repository) validate(ctx context.Context, sess *Session, op string, doc, previous map[string]any, id any) error {
	if sess != nil && sess.Bypass {
		return nil
	}
	vc := &validation.Context{
		Ctx:       ctx,
		Object:    r.object,
		Operation: op,
		Record:    doc,
		Previous:  previous,
		RecordID:  id,
		Counter: counterFunc(func(cctx context.Context, object string, filters []any) (int64, error) {
			return r.p.store(cctx).Count(cctx, object, filters)
		}),
	}
	result, err := r.p.validator.ValidateRecord(vc)
	if err != nil {
		return err
	}
	if !result.Valid {
		return &ValidationError{Object: r.object.Name, Result: result}
	}
	for _, w := range result.Warnings {
		log.Printf("WARN %s rule %s: %s", r.object.Name, w.Rule, w.Message)
	}
	return nil
}

type counterFunc func(ctx context.Context, object string, filters []any) (int64, error)

func (f counterFunc) Count(ctx context.Context, object string, filters []any) (int64, error) {
	return f(ctx, object, filters)
}

// computeFormulas evaluates the object's formula fields in place. A
// failing formula nulls its field and logs; one bad expression never
// fails the whole read.
func (r *Repository) computeFormulas(row driver.Record, sess *Session, isNew bool) {
	fields := r.object.FormulaFields()
	if len(fields) == 0 || row == nil {
		return
	}
	fc := formula.Context{Record: row, IsNew: isNew}
	if sess != nil {
		fc.UserID = sess.UserID
		fc.UserName = sess.UserName
		fc.SpaceID = sess.SpaceID
	}
	for _, f := range fields {
		value, err := r.p.formulas.Evaluate(f.Expression, fc, f.ResultType, formula.Options{})
		if err != nil {
			log.Printf("WARN formula %s.%s (record %v): %v", r.object.Name, f.Name, row["id"], err)
			row[f.Name] = nil
			continue
		}
		row[f.Name] = value
	}
}

// stripComputed drops formula fields from incoming writes; they are
// derived at read time and never stored.
func (r *Repository) stripComputed(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if f := r.object.GetField(k); f != nil && f.IsFormula() {
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Repository) applyDefaults(doc map[string]any) {
	for _, f := range r.object.StoredFields() {
		if f.Default == nil {
			continue
		}
		if _, ok := doc[f.Name]; !ok {
			doc[f.Name] = f.Default
		}
	}
}

// stamp writes audit fields when the schema declares them. Runs after the
// before hooks so handlers cannot override authorship.
func (r *Repository) stamp(doc map[string]any, sess *Session, isNew bool) {
	now := time.Now().UTC()
	userID := ""
	spaceID := ""
	if sess != nil {
		userID = sess.UserID
		spaceID = sess.SpaceID
	}
	if isNew {
		if r.object.HasField("created_at") {
			doc["created_at"] = now
		}
		if r.object.HasField("created_by") && userID != "" {
			doc["created_by"] = userID
		}
		if r.object.HasField("space_id") && spaceID != "" {
			doc["space_id"] = spaceID
		}
	}
	if r.object.HasField("updated_at") {
		doc["updated_at"] = now
	}
	if r.object.HasField("updated_by") && userID != "" {
		doc["updated_by"] = userID
	}
}
