// Package store persists users, chains, apps and global defaults, and
// owns the atomic per-app request accounting the data plane depends
// on. The Mongo implementation is authoritative in production; the
// memory implementation mirrors its semantics for tests and
// store-less development runs.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidKey is returned by TouchAndCount when no app matches
	// the presented API key.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrInactiveApp is returned by TouchAndCount when the key matches
	// an app that has been deactivated.
	ErrInactiveApp = errors.New("app inactive")
	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("duplicate")
	// ErrUnavailable wraps transport-level store failures.
	ErrUnavailable = errors.New("store unavailable")
)

// User is a registered tenant account.
type User struct {
	ID           string    `bson:"_id" json:"id"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"passwordHash" json:"-"`
	IsActive     bool      `bson:"isActive" json:"isActive"`
	IsAdmin      bool      `bson:"isAdmin" json:"isAdmin"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Chain is a named routing target. Names are stored lowercase.
type Chain struct {
	ChainName   string `bson:"chainName" json:"chainName"`
	ChainID     int64  `bson:"chainId" json:"chainId"`
	Description string `bson:"description" json:"description"`
	IsEnabled   bool   `bson:"isEnabled" json:"isEnabled"`
}

// App is a tenant-owned routing principal with an API key and quota.
type App struct {
	ID                 string    `bson:"_id" json:"id"`
	OwnerUserID        string    `bson:"ownerUserId" json:"ownerUserId"`
	Name               string    `bson:"name" json:"name"`
	Description        string    `bson:"description" json:"description"`
	ChainName          string    `bson:"chainName" json:"chainName"`
	ChainID            int64     `bson:"chainId" json:"chainId"`
	APIKey             string    `bson:"apiKey" json:"apiKey"`
	MaxRPS             int       `bson:"maxRps" json:"maxRps"`
	DailyRequestsLimit int64     `bson:"dailyRequestsLimit" json:"dailyRequestsLimit"`
	IsActive           bool      `bson:"isActive" json:"isActive"`
	Requests           int64     `bson:"requests" json:"requests"`
	DailyRequests      int64     `bson:"dailyRequests" json:"dailyRequests"`
	LastResetDate      string    `bson:"lastResetDate" json:"lastResetDate"`
	CreatedAt          time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time `bson:"updatedAt" json:"updatedAt"`
}

// DefaultAppSettings is the singleton consumed when an app is created
// without explicit limits.
type DefaultAppSettings struct {
	DefaultMaxRPS             int   `bson:"defaultMaxRps" json:"defaultMaxRps"`
	DefaultDailyRequestsLimit int64 `bson:"defaultDailyRequestsLimit" json:"defaultDailyRequestsLimit"`
}

// UserPatch mutates a subset of user fields.
type UserPatch struct {
	Email    *string
	IsActive *bool
	IsAdmin  *bool
}

// AppPatch mutates a subset of app fields.
type AppPatch struct {
	Name               *string
	Description        *string
	MaxRPS             *int
	DailyRequestsLimit *int64
	IsActive           *bool
}

// ChainPatch mutates a subset of chain fields.
type ChainPatch struct {
	Description *string
	IsEnabled   *bool
}

// SettingsPatch mutates the default-app-settings singleton.
type SettingsPatch struct {
	DefaultMaxRPS             *int
	DefaultDailyRequestsLimit *int64
}

// Store is the persistence contract the gateway consumes. Counter
// updates are atomic per document: TouchAndCount is the single source
// of truth for daily usage.
type Store interface {
	// TouchAndCount locates the active app for apiKey, resets the
	// daily counter if the stored reset date is not today's UTC day,
	// increments both counters, and returns the post-increment app.
	// An unknown key yields ErrInvalidKey, a deactivated app
	// ErrInactiveApp; neither increments anything.
	TouchAndCount(ctx context.Context, apiKey string) (*App, error)
	// CompensateDaily undoes one daily increment after a
	// post-increment over-limit rejection. The lifetime counter is
	// left untouched.
	CompensateDaily(ctx context.Context, appID string) error
	// RegenerateAPIKey assigns a fresh key; the old one is invalid
	// immediately.
	RegenerateAPIKey(ctx context.Context, appID string) (string, error)

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, id string, patch UserPatch) (*User, error)

	CreateApp(ctx context.Context, a *App) error
	GetApp(ctx context.Context, id string) (*App, error)
	ListAppsByOwner(ctx context.Context, ownerID string) ([]*App, error)
	UpdateApp(ctx context.Context, id string, patch AppPatch) (*App, error)
	DeleteApp(ctx context.Context, id string) error

	ListChains(ctx context.Context) ([]*Chain, error)
	GetChainByName(ctx context.Context, name string) (*Chain, error)
	CreateChain(ctx context.Context, c *Chain) error
	UpdateChain(ctx context.Context, chainID int64, patch ChainPatch) (*Chain, error)
	DeleteChain(ctx context.Context, chainID int64) error

	GetDefaultAppSettings(ctx context.Context) (*DefaultAppSettings, error)
	UpdateDefaultAppSettings(ctx context.Context, patch SettingsPatch) (*DefaultAppSettings, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// UTCDay renders the UTC day that owns a timestamp; daily counters
// reset on this boundary.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
