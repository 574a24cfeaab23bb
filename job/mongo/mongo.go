// Package mongo provides a MongoDB-backed implementation of job.Store for
// deployments that need job history to survive process restarts. Transitions
// use a filtered findAndModify so the compare-and-set semantics match the
// in-memory store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/crosspost-io/crosspost/job"
	"github.com/crosspost-io/crosspost/publish"
)

const (
	defaultCollection = "sync_jobs"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "job-mongo"
)

type (
	// Store implements job.Store on a MongoDB collection.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	// Options configures the store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection defaults to "sync_jobs".
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	jobDocument struct {
		JobID         string                    `bson:"job_id"`
		CorrelationID string                    `bson:"correlation_id"`
		DocumentID    string                    `bson:"document_id"`
		Channels      []string                  `bson:"channels"`
		Status        string                    `bson:"status"`
		DryRun        bool                      `bson:"dry_run,omitempty"`
		ContentType   string                    `bson:"content_type,omitempty"`
		Template      string                    `bson:"template,omitempty"`
		Fingerprint   string                    `bson:"fingerprint"`
		ContentHash   string                    `bson:"content_hash"`
		CreatedAt     time.Time                 `bson:"created_at"`
		ScheduledFor  *time.Time                `bson:"scheduled_for,omitempty"`
		StartedAt     *time.Time                `bson:"started_at,omitempty"`
		CompletedAt   *time.Time                `bson:"completed_at,omitempty"`
		Results       map[string]resultDocument `bson:"results,omitempty"`
		Errors        []string                  `bson:"errors,omitempty"`
		Metadata      map[string]string         `bson:"metadata,omitempty"`
	}

	resultDocument struct {
		Channel   string    `bson:"channel"`
		Status    string    `bson:"status"`
		Sent      int       `bson:"sent,omitempty"`
		ContentID string    `bson:"content_id,omitempty"`
		URL       string    `bson:"url,omitempty"`
		Error     string    `bson:"error,omitempty"`
		Timestamp time.Time `bson:"timestamp"`
		Attempts  int       `bson:"attempts"`
	}
)

// New constructs a Store and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	s := &Store{mongo: opts.Client, coll: coll, timeout: timeout}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "fingerprint", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	return err
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Create implements job.Store.
func (s *Store) Create(ctx context.Context, j job.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromJob(j))
	if mongodriver.IsDuplicateKeyError(err) {
		return job.ErrExists
	}
	return err
}

// Get implements job.Store.
func (s *Store) Get(ctx context.Context, jobID string) (job.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc jobDocument
	if err := s.coll.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, err
	}
	return doc.toJob(), nil
}

// List implements job.Store.
func (s *Store) List(ctx context.Context, status job.Status, limit, offset int) ([]job.Job, int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetSkip(int64(offset))
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)
	var jobs []job.Job
	for cur.Next(ctx) {
		var doc jobDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, doc.toJob())
	}
	return jobs, int(total), cur.Err()
}

// FindActiveByFingerprint implements job.Store.
func (s *Store) FindActiveByFingerprint(ctx context.Context, fingerprint string) (job.Job, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"fingerprint": fingerprint,
		"status":      bson.M{"$nin": terminalStatuses()},
	}
	var doc jobDocument
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return job.Job{}, false, nil
		}
		return job.Job{}, false, err
	}
	return doc.toJob(), true, nil
}

// Transition implements job.Store. The compare-and-set is expressed as a
// filtered findAndModify on (job_id, status).
func (s *Store) Transition(ctx context.Context, jobID string, from, to job.Status, patch job.Patch) (job.Job, error) {
	if !job.CanTransition(from, to) {
		return job.Job{}, job.ErrConflict
	}
	set := bson.M{"status": string(to)}
	if patch.ScheduledFor != nil {
		set["scheduled_for"] = patch.ScheduledFor.UTC()
	}
	if patch.StartedAt != nil {
		set["started_at"] = patch.StartedAt.UTC()
	}
	if patch.CompletedAt != nil {
		set["completed_at"] = patch.CompletedAt.UTC()
	}
	for ch, res := range patch.Results {
		set["results."+ch] = fromResult(res)
	}
	update := bson.M{"$set": set}
	if len(patch.Errors) > 0 {
		update["$push"] = bson.M{"errors": bson.M{"$each": patch.Errors}}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"job_id": jobID, "status": string(from)}
	var doc jobDocument
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == nil {
		return doc.toJob(), nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return job.Job{}, err
	}
	// Disambiguate the CAS failure.
	current, gerr := s.Get(ctx, jobID)
	if gerr != nil {
		return job.Job{}, gerr
	}
	if current.Status.Terminal() {
		return job.Job{}, job.ErrTerminal
	}
	return job.Job{}, job.ErrConflict
}

// PutResult implements job.Store.
func (s *Store) PutResult(ctx context.Context, jobID, channel string, res publish.Result) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"job_id": jobID, "status": bson.M{"$nin": terminalStatuses()}}
	update := bson.M{"$set": bson.M{"results." + channel: fromResult(res)}}
	result, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		if _, gerr := s.Get(ctx, jobID); errors.Is(gerr, job.ErrNotFound) {
			return job.ErrNotFound
		}
		return job.ErrTerminal
	}
	return nil
}

// Sweep removes terminal jobs created before the cutoff.
func (s *Store) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":     bson.M{"$in": terminalStatuses()},
		"created_at": bson.M{"$lt": time.Now().UTC().Add(-retention)},
	}
	res, err := s.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func terminalStatuses() []string {
	return []string{
		string(job.StatusCompleted),
		string(job.StatusPartial),
		string(job.StatusFailed),
		string(job.StatusCancelled),
	}
}

func fromJob(j job.Job) jobDocument {
	doc := jobDocument{
		JobID:         j.JobID,
		CorrelationID: j.CorrelationID,
		DocumentID:    j.DocumentID,
		Channels:      j.Channels,
		Status:        string(j.Status),
		DryRun:        j.DryRun,
		ContentType:   j.ContentType,
		Template:      j.Template,
		Fingerprint:   j.Fingerprint,
		ContentHash:   j.ContentHash,
		CreatedAt:     j.CreatedAt,
		ScheduledFor:  j.ScheduledFor,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		Errors:        j.Errors,
		Metadata:      j.Metadata,
	}
	if len(j.Results) > 0 {
		doc.Results = make(map[string]resultDocument, len(j.Results))
		for ch, res := range j.Results {
			doc.Results[ch] = fromResult(res)
		}
	}
	return doc
}

func (d jobDocument) toJob() job.Job {
	j := job.Job{
		JobID:         d.JobID,
		CorrelationID: d.CorrelationID,
		DocumentID:    d.DocumentID,
		Channels:      d.Channels,
		Status:        job.Status(d.Status),
		DryRun:        d.DryRun,
		ContentType:   d.ContentType,
		Template:      d.Template,
		Fingerprint:   d.Fingerprint,
		ContentHash:   d.ContentHash,
		CreatedAt:     d.CreatedAt,
		ScheduledFor:  d.ScheduledFor,
		StartedAt:     d.StartedAt,
		CompletedAt:   d.CompletedAt,
		Errors:        d.Errors,
		Metadata:      d.Metadata,
	}
	if len(d.Results) > 0 {
		j.Results = make(map[string]publish.Result, len(d.Results))
		for ch, res := range d.Results {
			j.Results[ch] = res.toResult()
		}
	}
	return j
}

func fromResult(r publish.Result) resultDocument {
	return resultDocument{
		Channel:   r.Channel,
		Status:    string(r.Status),
		Sent:      r.Sent,
		ContentID: r.ContentID,
		URL:       r.URL,
		Error:     r.Error,
		Timestamp: r.Timestamp,
		Attempts:  r.Attempts,
	}
}

func (d resultDocument) toResult() publish.Result {
	return publish.Result{
		Channel:   d.Channel,
		Status:    publish.Status(d.Status),
		Sent:      d.Sent,
		ContentID: d.ContentID,
		URL:       d.URL,
		Error:     d.Error,
		Timestamp: d.Timestamp,
		Attempts:  d.Attempts,
	}
}
