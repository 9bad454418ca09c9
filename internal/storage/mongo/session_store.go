// Package mongo provides a MongoDB-backed SessionStore for deployments
// that need sessions to survive process restarts.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/agentbrowser/toolgen/internal/orchestrator"
)

const sessionsCollection = "sessions"

// SessionStore implements orchestrator.SessionStore on a MongoDB collection.
// Status transitions use single UpdateOne calls with a terminal-state filter,
// so concurrent writers cannot resurrect a finished session.
type SessionStore struct {
	coll *mongo.Collection
}

// NewSessionStore connects to MongoDB and prepares the sessions collection
// and its indexes.
func NewSessionStore(ctx context.Context, uri, database string) (*SessionStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	store := &SessionStore{coll: client.Database(database).Collection(sessionsCollection)}
	if err := store.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SessionStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("creating session indexes: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *SessionStore) Close(ctx context.Context) error {
	return s.coll.Database().Client().Disconnect(ctx)
}

// CreateSession inserts the session document.
func (s *SessionStore) CreateSession(ctx context.Context, session *orchestrator.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if session.ID == "" {
		return errors.New("session ID cannot be empty")
	}

	doc := session.Clone()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.UpdatedAt = doc.CreatedAt

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return orchestrator.ErrSessionExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession fetches a session by its ID.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*orchestrator.Session, error) {
	return s.findOne(ctx, bson.M{"_id": sessionID})
}

// GetSessionByJobID fetches a session by the job identifier handed to clients.
func (s *SessionStore) GetSessionByJobID(ctx context.Context, jobID string) (*orchestrator.Session, error) {
	return s.findOne(ctx, bson.M{"job_id": jobID})
}

func (s *SessionStore) findOne(ctx context.Context, filter bson.M) (*orchestrator.Session, error) {
	var session orchestrator.Session
	err := s.coll.FindOne(ctx, filter).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, orchestrator.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding session: %w", err)
	}
	return &session, nil
}

// UpdateStatus sets the status, error message and updated_at in one
// UpdateOne. The filter restricts the write to sessions whose current
// status may legally precede the target, which makes repeated identical
// updates idempotent and both terminal escapes and backwards moves
// detectable.
func (s *SessionStore) UpdateStatus(
	ctx context.Context,
	sessionID string,
	status orchestrator.SessionStatus,
	errorMessage string,
) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status: %q", status)
	}

	set := bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status == orchestrator.StatusFailed && errorMessage != "" {
		set["error_message"] = errorMessage
	} else if status != orchestrator.StatusFailed {
		set["error_message"] = ""
	}

	filter := bson.M{
		"_id":    sessionID,
		"status": bson.M{"$in": allowedPriorStatuses(status)},
	}

	result, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	if result.MatchedCount == 0 {
		// The session is missing, parked in another terminal state, or
		// further along the workflow. One extra read disambiguates.
		current, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() && current.Status != status {
			return orchestrator.ErrTerminalState
		}
		return orchestrator.ErrStatusRegression
	}
	return nil
}

// allowedPriorStatuses returns the statuses a session may hold for a
// transition to target: everything at or below the target's rank, with
// terminal states allowed only as a same-status repeat.
func allowedPriorStatuses(target orchestrator.SessionStatus) []orchestrator.SessionStatus {
	all := []orchestrator.SessionStatus{
		orchestrator.StatusPending,
		orchestrator.StatusPlanning,
		orchestrator.StatusSearching,
		orchestrator.StatusImplementing,
		orchestrator.StatusExecuting,
		orchestrator.StatusCompleted,
		orchestrator.StatusFailed,
	}
	var allowed []orchestrator.SessionStatus
	for _, status := range all {
		if status.Rank() > target.Rank() {
			continue
		}
		if status.Terminal() && status != target {
			continue
		}
		allowed = append(allowed, status)
	}
	return allowed
}

// AppendGeneratedTool pushes a tool artifact onto the session, rejecting
// duplicate names within the session.
func (s *SessionStore) AppendGeneratedTool(
	ctx context.Context,
	sessionID string,
	tool orchestrator.GeneratedTool,
) error {
	filter := bson.M{
		"_id":                  sessionID,
		"generated_tools.name": bson.M{"$ne": tool.Name},
	}
	update := bson.M{
		"$push": bson.M{"generated_tools": tool},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}

	result, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("appending generated tool: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return orchestrator.ErrDuplicateTool
	}
	return nil
}

// SetToolRegistration marks one tool as registered using the positional
// operator.
func (s *SessionStore) SetToolRegistration(
	ctx context.Context,
	sessionID, toolName, endpoint string,
) error {
	filter := bson.M{"_id": sessionID, "generated_tools.name": toolName}
	update := bson.M{"$set": bson.M{
		"generated_tools.$.registered": true,
		"generated_tools.$.endpoint":   endpoint,
		"updated_at":                   time.Now().UTC(),
	}}

	result, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("setting tool registration: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return orchestrator.ErrToolNotFound
	}
	return nil
}

// ListSessionsByUser returns the user's sessions, newest first.
func (s *SessionStore) ListSessionsByUser(
	ctx context.Context,
	userID string,
	limit int,
) ([]*orchestrator.Session, error) {
	return s.findMany(ctx, bson.M{"user_id": userID}, limit)
}

// ListActiveSessions returns sessions that have not reached a terminal state.
func (s *SessionStore) ListActiveSessions(
	ctx context.Context,
	limit int,
) ([]*orchestrator.Session, error) {
	return s.findMany(ctx, bson.M{"status": bson.M{"$nin": terminalStatuses()}}, limit)
}

func (s *SessionStore) findMany(ctx context.Context, filter bson.M, limit int) ([]*orchestrator.Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []*orchestrator.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("decoding sessions: %w", err)
	}
	return sessions, nil
}

func terminalStatuses() []orchestrator.SessionStatus {
	return []orchestrator.SessionStatus{
		orchestrator.StatusCompleted,
		orchestrator.StatusFailed,
	}
}
