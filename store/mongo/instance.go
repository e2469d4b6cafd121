package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	lidex "github.com/ferromir/lidex-mongo"
	"github.com/ferromir/lidex-mongo/instance"
)

// Insert persists a new idle instance. A duplicate id is reported as a
// normal false result, never an error; any other storage fault propagates.
func (s *Store) Insert(ctx context.Context, id, handler string, input []byte) (bool, error) {
	t := now()
	m := &instanceModel{
		ID:        id,
		Handler:   handler,
		Input:     input,
		Status:    string(instance.StatusIdle),
		CreatedAt: t,
		UpdatedAt: t,
	}
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("lidex/mongo: insert instance: %w", err)
	}
	return true, nil
}

// Claim atomically selects one eligible instance and marks it running with
// its lease extended to leaseUntil. FindOneAndUpdate makes the
// select-and-update a single server-side compare-and-swap, so under N
// concurrent callers exactly one wins each eligible instance.
func (s *Store) Claim(ctx context.Context, nowT, leaseUntil time.Time) (string, bool, error) {
	col := s.mdb.Collection(colInstances)

	filter := bson.M{"$or": []bson.M{
		{"status": string(instance.StatusIdle)},
		{
			"status": bson.M{"$in": []string{
				string(instance.StatusRunning),
				string(instance.StatusFailed),
			}},
			"timeout_at": bson.M{"$lt": nowT},
		},
	}}

	update := bson.M{"$set": bson.M{
		"status":     string(instance.StatusRunning),
		"timeout_at": leaseUntil,
		"updated_at": now(),
	}}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"_id": 1})

	var claimed struct {
		ID string `bson:"_id"`
	}
	err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&claimed)
	if err != nil {
		if isNoDocuments(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lidex/mongo: claim instance: %w", err)
	}
	return claimed.ID, true, nil
}

// FindOutput returns the memoized output of one step. Only the single
// "steps.<id>" entry is projected; the store never materializes the whole
// document.
func (s *Store) FindOutput(ctx context.Context, id, stepID string) ([]byte, bool, error) {
	col := s.mdb.Collection(colInstances)

	opts := options.FindOne().SetProjection(bson.M{"steps." + stepID: 1})

	var m struct {
		Steps map[string][]byte `bson:"steps"`
	}
	err := col.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lidex/mongo: find output: %w", err)
	}
	out, ok := m.Steps[stepID]
	if !ok {
		return nil, false, nil
	}
	return out, true, nil
}

// UpdateOutput records a step output and refreshes the instance's lease to
// timeoutAt. A worker actively completing steps should not lose its lease
// to a timeout-based reclaimer.
func (s *Store) UpdateOutput(ctx context.Context, id, stepID string, output []byte, timeoutAt time.Time) error {
	col := s.mdb.Collection(colInstances)

	update := bson.M{"$set": bson.M{
		"steps." + stepID: output,
		"timeout_at":      timeoutAt,
		"updated_at":      now(),
	}}

	res, err := col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("lidex/mongo: update output: %w", err)
	}
	if res.MatchedCount == 0 {
		return lidex.ErrInstanceNotFound
	}
	return nil
}

// FindWakeUpAt returns the memoized wake-up time of one nap.
func (s *Store) FindWakeUpAt(ctx context.Context, id, napID string) (time.Time, bool, error) {
	col := s.mdb.Collection(colInstances)

	opts := options.FindOne().SetProjection(bson.M{"naps." + napID: 1})

	var m struct {
		Naps map[string]time.Time `bson:"naps"`
	}
	err := col.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("lidex/mongo: find wake-up: %w", err)
	}
	wakeUpAt, ok := m.Naps[napID]
	if !ok {
		return time.Time{}, false, nil
	}
	return wakeUpAt, true, nil
}

// UpdateWakeUpAt records a nap's wake-up time and refreshes the instance's
// lease to timeoutAt.
func (s *Store) UpdateWakeUpAt(ctx context.Context, id, napID string, wakeUpAt, timeoutAt time.Time) error {
	col := s.mdb.Collection(colInstances)

	update := bson.M{"$set": bson.M{
		"naps." + napID: wakeUpAt,
		"timeout_at":    timeoutAt,
		"updated_at":    now(),
	}}

	res, err := col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("lidex/mongo: update wake-up: %w", err)
	}
	if res.MatchedCount == 0 {
		return lidex.ErrInstanceNotFound
	}
	return nil
}

// FindRunData returns the handler, input and failure count of an instance.
func (s *Store) FindRunData(ctx context.Context, id string) (*instance.RunData, bool, error) {
	col := s.mdb.Collection(colInstances)

	opts := options.FindOne().SetProjection(bson.M{
		"handler":  1,
		"input":    1,
		"failures": 1,
	})

	var m struct {
		Handler  string `bson:"handler"`
		Input    []byte `bson:"input"`
		Failures int    `bson:"failures"`
	}
	err := col.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lidex/mongo: find run data: %w", err)
	}
	return &instance.RunData{
		Handler:  m.Handler,
		Input:    m.Input,
		Failures: m.Failures,
	}, true, nil
}

// FindStatus returns the lifecycle state of an instance.
func (s *Store) FindStatus(ctx context.Context, id string) (instance.Status, bool, error) {
	col := s.mdb.Collection(colInstances)

	opts := options.FindOne().SetProjection(bson.M{"status": 1})

	var m struct {
		Status string `bson:"status"`
	}
	err := col.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lidex/mongo: find status: %w", err)
	}
	return instance.Status(m.Status), true, nil
}

// SetAsFinished marks the instance finished. Terminal and idempotent.
func (s *Store) SetAsFinished(ctx context.Context, id string) error {
	return s.setTerminal(ctx, id, instance.StatusFinished)
}

// SetAsAborted marks the instance aborted. Terminal.
func (s *Store) SetAsAborted(ctx context.Context, id string) error {
	return s.setTerminal(ctx, id, instance.StatusAborted)
}

func (s *Store) setTerminal(ctx context.Context, id string, status instance.Status) error {
	col := s.mdb.Collection(colInstances)

	update := bson.M{"$set": bson.M{
		"status":     string(status),
		"updated_at": now(),
	}}

	res, err := col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("lidex/mongo: set %s: %w", status, err)
	}
	if res.MatchedCount == 0 {
		return lidex.ErrInstanceNotFound
	}
	return nil
}

// UpdateStatus performs an unconditional multi-field lifecycle write, used
// to record a failed attempt with a future timeoutAt acting as retry
// backoff.
func (s *Store) UpdateStatus(ctx context.Context, id string, status instance.Status, timeoutAt time.Time, failures int, lastError string) error {
	col := s.mdb.Collection(colInstances)

	update := bson.M{"$set": bson.M{
		"status":     string(status),
		"timeout_at": timeoutAt,
		"failures":   failures,
		"last_error": lastError,
		"updated_at": now(),
	}}

	res, err := col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("lidex/mongo: update status: %w", err)
	}
	if res.MatchedCount == 0 {
		return lidex.ErrInstanceNotFound
	}
	return nil
}

// GetInstance retrieves a whole instance by id.
func (s *Store) GetInstance(ctx context.Context, id string) (*instance.Instance, error) {
	col := s.mdb.Collection(colInstances)

	var m instanceModel
	err := col.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, lidex.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("lidex/mongo: get instance: %w", err)
	}
	return fromInstanceModel(&m), nil
}

// ListInstances returns instances matching the given options, ordered by
// creation time.
func (s *Store) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	col := s.mdb.Collection(colInstances)

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := col.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("lidex/mongo: list instances: %w", err)
	}
	defer cur.Close(ctx)

	var models []instanceModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("lidex/mongo: list instances decode: %w", err)
	}

	result := make([]*instance.Instance, 0, len(models))
	for i := range models {
		result = append(result, fromInstanceModel(&models[i]))
	}
	return result, nil
}
