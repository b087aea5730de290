package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/eaglebank/user-accounts/shared/models"
	sharedredis "github.com/eaglebank/user-accounts/shared/redis"
	goredis "github.com/redis/go-redis/v9"
)

const userViewKeyPrefix = "user:view:"

type userViewCache interface {
	Get(ctx context.Context, id string) (*models.UserView, bool)
	SetIfNewer(ctx context.Context, id string, value *models.UserView, version int64) bool
}

type userLoader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// UserReadRepository serves UserViews from Redis, falling back to the user
// store on a miss.
type UserReadRepository struct {
	users userLoader
	cache userViewCache
}

func NewUserReadRepository(users userLoader, redisClient goredis.Cmdable, ttl time.Duration, logger *slog.Logger) *UserReadRepository {
	return &UserReadRepository{
		users: users,
		cache: sharedredis.NewViewCache[models.UserView](redisClient, userViewKeyPrefix, ttl, logger),
	}
}

// GetByID returns a UserView from Redis first, then the store. A view loaded
// from the store only fills the cache if no later write has refreshed it in
// the meantime.
func (r *UserReadRepository) GetByID(ctx context.Context, id string) (*models.UserView, error) {
	if view, ok := r.cache.Get(ctx, id); ok {
		return view, nil
	}

	user, err := r.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	view := models.NewUserView(user)
	r.cache.SetIfNewer(ctx, id, view, viewVersion(view))
	return view, nil
}

// CacheUserView refreshes the read model from the document a write returned.
// Called by the command service after every mutation; out-of-order refreshes
// keep the newest document.
func (r *UserReadRepository) CacheUserView(ctx context.Context, view *models.UserView) {
	r.cache.SetIfNewer(ctx, view.ID, view, viewVersion(view))
}

// viewVersion orders views by the updatedAt of the document they came from.
// Milliseconds match the precision MongoDB stores dates with.
func viewVersion(view *models.UserView) int64 {
	return view.UpdatedAt.UnixMilli()
}
