// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bucket

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

// RedisClient adapts *redis.Client to the Cmdable interface the engine
// depends on, the same role as the teacher's GoRedisEvaler wrapping
// github.com/redis/go-redis/v9 for persistence.RedisEvaler.
type RedisClient struct {
	c *redis.Client
}

// NewRedisClient wraps an existing go-redis client.
func NewRedisClient(c *redis.Client) *RedisClient { return &RedisClient{c: c} }

func (r *RedisClient) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) (interface{}, error) {
	return r.c.EvalSha(ctx, sha1, keys, args...).Result()
}

func (r *RedisClient) ScriptLoad(ctx context.Context, script string) (string, error) {
	return r.c.ScriptLoad(ctx, script).Result()
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *RedisClient) Close() error { return r.c.Close() }
