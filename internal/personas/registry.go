// Package personas is the display-metadata collaborator boundary. The
// matching core only ever sees clientId strings; nothing here may affect
// order or idempotency correctness.
package personas

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	cerrors "github.com/tulipex/tulipcore/common/errors"
)

// Persona is a display profile keyed by userId.
type Persona struct {
	UserID    string `json:"userId" gorm:"primaryKey;size:64"`
	UserName  string `json:"userName" gorm:"size:128"`
	AvatarURL string `json:"avatarUrl" gorm:"size:512"`
	Bio       string `json:"bio" gorm:"size:1024"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (Persona) TableName() string { return "personas" }

// Unknown is returned for unregistered user IDs.
var Unknown = Persona{UserID: "unknown", UserName: "Unknown User"}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Registry stores personas with seeded defaults for empty tables.
type Registry struct {
	db     *gorm.DB
	seed   []Persona
	logger *zap.Logger
}

// NewRegistry migrates the personas table and returns a registry.
func NewRegistry(db *gorm.DB, seed []Persona, logger *zap.Logger) (*Registry, error) {
	if err := db.AutoMigrate(&Persona{}); err != nil {
		return nil, fmt.Errorf("migrate personas schema: %w", err)
	}
	return &Registry{db: db, seed: seed, logger: logger.Named("personas")}, nil
}

// List returns all personas sorted by name, or the seed set when the
// table is empty.
func (r *Registry) List(ctx context.Context) ([]Persona, error) {
	var items []Persona
	if err := r.db.WithContext(ctx).Find(&items).Error; err != nil {
		return nil, cerrors.Transient("list personas", err)
	}
	if len(items) == 0 {
		items = append(items, r.seed...)
	}
	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(items[i].UserName) < strings.ToLower(items[j].UserName)
	})
	return items, nil
}

// Get returns the persona, falling back to seed data, then to Unknown
// with the requested ID filled in.
func (r *Registry) Get(ctx context.Context, userID string) (Persona, error) {
	var p Persona
	err := r.db.WithContext(ctx).First(&p, "user_id = ?", userID).Error
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Persona{}, cerrors.Transient("load persona", err)
	}
	for _, s := range r.seed {
		if s.UserID == userID {
			return s, nil
		}
	}
	return Persona{}, cerrors.NotFoundf("persona %s not found", userID)
}

// Create inserts a persona. The userId is taken from the payload, slugged
// from the name, or generated.
func (r *Registry) Create(ctx context.Context, p Persona) (Persona, error) {
	p.UserName = strings.TrimSpace(p.UserName)
	if p.UserName == "" {
		return Persona{}, cerrors.Validationf("userName is required")
	}
	if p.UserID == "" {
		p.UserID = Slugify(p.UserName)
	}
	if p.UserID == "" {
		p.UserID = "user-" + uuid.New().String()[:6]
	}
	now := time.Now().Unix()
	p.CreatedAt = now
	p.UpdatedAt = now

	res := r.db.WithContext(ctx).Where(Persona{UserID: p.UserID}).FirstOrCreate(&p)
	if res.Error != nil {
		return Persona{}, cerrors.Transient("create persona", res.Error)
	}
	if res.RowsAffected == 0 {
		return Persona{}, cerrors.Duplicatef("userId %s already exists", p.UserID)
	}
	return p, nil
}

// Update modifies the mutable fields of an existing persona.
func (r *Registry) Update(ctx context.Context, userID string, updates map[string]interface{}) (Persona, error) {
	allowed := map[string]bool{"user_name": true, "avatar_url": true, "bio": true}
	filtered := make(map[string]interface{})
	for k, v := range updates {
		if allowed[k] {
			if s, ok := v.(string); ok {
				v = strings.TrimSpace(s)
			}
			filtered[k] = v
		}
	}
	if len(filtered) == 0 {
		return Persona{}, cerrors.Validationf("no updatable fields provided")
	}
	filtered["updated_at"] = time.Now().Unix()

	res := r.db.WithContext(ctx).Model(&Persona{}).Where("user_id = ?", userID).Updates(filtered)
	if res.Error != nil {
		return Persona{}, cerrors.Transient("update persona", res.Error)
	}
	if res.RowsAffected == 0 {
		return Persona{}, cerrors.NotFoundf("persona %s not found", userID)
	}
	return r.Get(ctx, userID)
}

// Delete removes a persona.
func (r *Registry) Delete(ctx context.Context, userID string) error {
	res := r.db.WithContext(ctx).Delete(&Persona{}, "user_id = ?", userID)
	if res.Error != nil {
		return cerrors.Transient("delete persona", res.Error)
	}
	if res.RowsAffected == 0 {
		return cerrors.NotFoundf("persona %s not found", userID)
	}
	return nil
}

// Slugify lowercases a display name into a userId candidate.
func Slugify(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 48 {
		slug = slug[:48]
	}
	return slug
}

// DefaultSeed is the built-in persona set used before any are registered.
func DefaultSeed() []Persona {
	return []Persona{
		{UserID: "demo-ui", UserName: "Demo Trader", Bio: "Default UI identity"},
		{UserID: "tulip-bot", UserName: "Tulip Bot", Bio: "Automated market participant"},
	}
}
