package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/models"

	"github.com/redis/go-redis/v9"
)

// RedisCartStore reads the carts the cart service writes to redis.
type RedisCartStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisCartStore(client redis.Cmdable, ttl time.Duration) *RedisCartStore {
	return &RedisCartStore{
		client: client,
		ttl:    ttl,
	}
}

func CartKey(userID string) string {
	return fmt.Sprintf("cart:user:%s", userID)
}

// GetCart returns (nil, nil) when the user has no cart.
func (r *RedisCartStore) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	data, err := r.client.Get(ctx, CartKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cart models.Cart
	if err := json.Unmarshal([]byte(data), &cart); err != nil {
		return nil, fmt.Errorf("corrupt cart for user %s: %w", userID, err)
	}
	return &cart, nil
}

func (r *RedisCartStore) SaveCart(ctx context.Context, cart *models.Cart) error {
	cart.UpdatedAt = time.Now()

	data, err := json.Marshal(cart)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, CartKey(cart.UserID), data, r.ttl).Err()
}

func (r *RedisCartStore) ClearCart(ctx context.Context, userID string) error {
	return r.client.Del(ctx, CartKey(userID)).Err()
}
