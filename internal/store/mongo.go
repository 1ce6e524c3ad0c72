package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const settingsDocID = "default-app-settings"

// Mongo is the MongoDB-backed Store. Counter updates rely on
// FindOneAndUpdate with an aggregation pipeline so the daily reset and
// the increment commit as one atomic document update.
type Mongo struct {
	client   *mongo.Client
	users    *mongo.Collection
	apps     *mongo.Collection
	chains   *mongo.Collection
	settings *mongo.Collection
	logger   *zap.Logger
}

// NewMongo connects to uri and prepares collections and indexes.
func NewMongo(ctx context.Context, uri, database string, logger *zap.Logger) (*Mongo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client:   client,
		users:    db.Collection("users"),
		apps:     db.Collection("apps"),
		chains:   db.Collection("chains"),
		settings: db.Collection("settings"),
		logger:   logger,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	_, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return err
	}
	_, err = m.apps.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "apiKey", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return err
	}
	_, err = m.chains.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chainName", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "chainId", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	return err
}

// wrapErr translates driver errors into store error kinds.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case err == mongo.ErrNoDocuments:
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicate
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
}

// TouchAndCount implements the atomic lookup-and-increment. The update
// pipeline resets dailyRequests when lastResetDate is stale, then
// increments, so concurrent requests across the midnight boundary
// cannot double-count the old day.
func (m *Mongo) TouchAndCount(ctx context.Context, apiKey string) (*App, error) {
	now := time.Now()
	today := UTCDay(now)

	filter := bson.M{"apiKey": apiKey, "isActive": true}
	pipeline := bson.A{
		bson.M{"$set": bson.M{
			"dailyRequests": bson.M{"$cond": bson.A{
				bson.M{"$ne": bson.A{"$lastResetDate", today}},
				int64(1),
				bson.M{"$add": bson.A{"$dailyRequests", int64(1)}},
			}},
			"requests":      bson.M{"$add": bson.A{"$requests", int64(1)}},
			"lastResetDate": today,
			"updatedAt":     now,
		}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var app App
	err := m.apps.FindOneAndUpdate(ctx, filter, pipeline, opts).Decode(&app)
	if err == mongo.ErrNoDocuments {
		// Tell a deactivated app apart from a revoked key; the extra
		// read only happens on the rejection path.
		var stale App
		if lookupErr := m.apps.FindOne(ctx, bson.M{"apiKey": apiKey}).Decode(&stale); lookupErr == nil && !stale.IsActive {
			return nil, ErrInactiveApp
		}
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("touch and count: %w: %v", ErrUnavailable, err)
	}
	return &app, nil
}

// CompensateDaily decrements the daily counter after an over-limit
// rejection; the lifetime counter is intentionally untouched.
func (m *Mongo) CompensateDaily(ctx context.Context, appID string) error {
	res, err := m.apps.UpdateOne(ctx,
		bson.M{"_id": appID, "dailyRequests": bson.M{"$gt": int64(0)}},
		bson.M{"$inc": bson.M{"dailyRequests": int64(-1)}},
	)
	if err != nil {
		return fmt.Errorf("compensate daily: %w: %v", ErrUnavailable, err)
	}
	if res.MatchedCount == 0 {
		m.logger.Debug("compensation skipped", zap.String("app_id", appID))
	}
	return nil
}

// RegenerateAPIKey swaps in a fresh key atomically.
func (m *Mongo) RegenerateAPIKey(ctx context.Context, appID string) (string, error) {
	newKey := uuid.NewString()
	res, err := m.apps.UpdateByID(ctx, appID, bson.M{"$set": bson.M{
		"apiKey":    newKey,
		"updatedAt": time.Now(),
	}})
	if err != nil {
		return "", wrapErr("regenerate api key", err)
	}
	if res.MatchedCount == 0 {
		return "", ErrNotFound
	}
	return newKey, nil
}

func (m *Mongo) CreateUser(ctx context.Context, u *User) error {
	_, err := m.users.InsertOne(ctx, u)
	return wrapErr("create user", err)
}

func (m *Mongo) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := m.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return nil, wrapErr("get user", err)
	}
	return &u, nil
}

func (m *Mongo) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := m.users.FindOne(ctx, bson.M{"email": strings.ToLower(email)}).Decode(&u)
	if err != nil {
		return nil, wrapErr("get user by email", err)
	}
	return &u, nil
}

func (m *Mongo) UpdateUser(ctx context.Context, id string, patch UserPatch) (*User, error) {
	set := bson.M{"updatedAt": time.Now()}
	if patch.Email != nil {
		set["email"] = strings.ToLower(*patch.Email)
	}
	if patch.IsActive != nil {
		set["isActive"] = *patch.IsActive
	}
	if patch.IsAdmin != nil {
		set["isAdmin"] = *patch.IsAdmin
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var u User
	err := m.users.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&u)
	if err != nil {
		return nil, wrapErr("update user", err)
	}
	return &u, nil
}

func (m *Mongo) CreateApp(ctx context.Context, a *App) error {
	_, err := m.apps.InsertOne(ctx, a)
	return wrapErr("create app", err)
}

func (m *Mongo) GetApp(ctx context.Context, id string) (*App, error) {
	var a App
	if err := m.apps.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		return nil, wrapErr("get app", err)
	}
	return &a, nil
}

func (m *Mongo) ListAppsByOwner(ctx context.Context, ownerID string) ([]*App, error) {
	cur, err := m.apps.Find(ctx, bson.M{"ownerUserId": ownerID})
	if err != nil {
		return nil, wrapErr("list apps", err)
	}
	defer func() {
		if err := cur.Close(ctx); err != nil {
			m.logger.Debug("failed to close cursor", zap.Error(err))
		}
	}()

	var apps []*App
	if err := cur.All(ctx, &apps); err != nil {
		return nil, wrapErr("list apps", err)
	}
	return apps, nil
}

func (m *Mongo) UpdateApp(ctx context.Context, id string, patch AppPatch) (*App, error) {
	set := bson.M{"updatedAt": time.Now()}
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.MaxRPS != nil {
		set["maxRps"] = *patch.MaxRPS
	}
	if patch.DailyRequestsLimit != nil {
		set["dailyRequestsLimit"] = *patch.DailyRequestsLimit
	}
	if patch.IsActive != nil {
		set["isActive"] = *patch.IsActive
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var a App
	err := m.apps.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&a)
	if err != nil {
		return nil, wrapErr("update app", err)
	}
	return &a, nil
}

func (m *Mongo) DeleteApp(ctx context.Context, id string) error {
	res, err := m.apps.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return wrapErr("delete app", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) ListChains(ctx context.Context) ([]*Chain, error) {
	cur, err := m.chains.Find(ctx, bson.M{})
	if err != nil {
		return nil, wrapErr("list chains", err)
	}
	defer func() {
		if err := cur.Close(ctx); err != nil {
			m.logger.Debug("failed to close cursor", zap.Error(err))
		}
	}()

	var chains []*Chain
	if err := cur.All(ctx, &chains); err != nil {
		return nil, wrapErr("list chains", err)
	}
	return chains, nil
}

func (m *Mongo) GetChainByName(ctx context.Context, name string) (*Chain, error) {
	var c Chain
	err := m.chains.FindOne(ctx, bson.M{"chainName": strings.ToLower(name)}).Decode(&c)
	if err != nil {
		return nil, wrapErr("get chain", err)
	}
	return &c, nil
}

func (m *Mongo) CreateChain(ctx context.Context, c *Chain) error {
	c.ChainName = strings.ToLower(c.ChainName)
	_, err := m.chains.InsertOne(ctx, c)
	return wrapErr("create chain", err)
}

func (m *Mongo) UpdateChain(ctx context.Context, chainID int64, patch ChainPatch) (*Chain, error) {
	set := bson.M{}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.IsEnabled != nil {
		set["isEnabled"] = *patch.IsEnabled
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var c Chain
	err := m.chains.FindOneAndUpdate(ctx, bson.M{"chainId": chainID}, bson.M{"$set": set}, opts).Decode(&c)
	if err != nil {
		return nil, wrapErr("update chain", err)
	}
	return &c, nil
}

func (m *Mongo) DeleteChain(ctx context.Context, chainID int64) error {
	res, err := m.chains.DeleteOne(ctx, bson.M{"chainId": chainID})
	if err != nil {
		return wrapErr("delete chain", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) GetDefaultAppSettings(ctx context.Context) (*DefaultAppSettings, error) {
	var s DefaultAppSettings
	err := m.settings.FindOne(ctx, bson.M{"_id": settingsDocID}).Decode(&s)
	if err == mongo.ErrNoDocuments {
		// Bootstrap values when no settings document exists yet.
		return &DefaultAppSettings{DefaultMaxRPS: 20, DefaultDailyRequestsLimit: 10_000}, nil
	}
	if err != nil {
		return nil, wrapErr("get settings", err)
	}
	return &s, nil
}

func (m *Mongo) UpdateDefaultAppSettings(ctx context.Context, patch SettingsPatch) (*DefaultAppSettings, error) {
	current, err := m.GetDefaultAppSettings(ctx)
	if err != nil {
		return nil, err
	}
	if patch.DefaultMaxRPS != nil {
		current.DefaultMaxRPS = *patch.DefaultMaxRPS
	}
	if patch.DefaultDailyRequestsLimit != nil {
		current.DefaultDailyRequestsLimit = *patch.DefaultDailyRequestsLimit
	}

	_, err = m.settings.UpdateOne(ctx,
		bson.M{"_id": settingsDocID},
		bson.M{"$set": bson.M{
			"defaultMaxRps":             current.DefaultMaxRPS,
			"defaultDailyRequestsLimit": current.DefaultDailyRequestsLimit,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return nil, wrapErr("update settings", err)
	}
	return current, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping: %w: %v", ErrUnavailable, err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

var _ Store = (*Mongo)(nil)
