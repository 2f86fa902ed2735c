package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	redisProductsKey = "ruueb:products"       // hash: id -> one csv row
	redisOrderKey    = "ruueb:products:order" // zset: id scored by first insert
	redisSeqKey      = "ruueb:products:seq"
)

// RedisStore keeps products in a hash plus a sorted set that remembers
// insertion order. Delete reads the hash before removing, so two concurrent
// deletes of the same name both succeed.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// OpenRedisStore parses a redis:// url and checks the server answers.
func OpenRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("could not parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(rdb), nil
}

func (s *RedisStore) Add(ctx context.Context, p Product) error {
	row, err := encodeRow(p)
	if err != nil {
		return err
	}
	seq, err := s.rdb.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return fmt.Errorf("next product seq: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisProductsKey, p.ID, row)
		pipe.ZAddNX(ctx, redisOrderKey, redis.Z{Score: float64(seq), Member: p.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert product %q: %w", p.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	all, err := s.rdb.HGetAll(ctx, redisProductsKey).Result()
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}

	var ids []string
	for id, raw := range all {
		p, err := decodeRow(raw)
		if err != nil {
			return err
		}
		if p.Name == name {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, redisProductsKey, ids...)
		pipe.ZRem(ctx, redisOrderKey, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete product %q: %w", name, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Product, error) {
	ids, err := s.rdb.ZRange(ctx, redisOrderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list product ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.rdb.HMGet(ctx, redisProductsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	products := make([]Product, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		p, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, nil
}

// encodeRow quotes the record the same way the csv store does, so names
// holding commas or quotes read back unchanged.
func encodeRow(p Product) (string, error) {
	var b strings.Builder
	if err := WriteCSV(&b, []Product{p}, false); err != nil {
		return "", fmt.Errorf("encode product %q: %w", p.ID, err)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

func decodeRow(raw string) (Product, error) {
	cr := csv.NewReader(strings.NewReader(raw))
	cr.FieldsPerRecord = len(Header)
	rec, err := cr.Read()
	if err != nil {
		return Product{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return Product{ID: rec[0], Name: rec[1], Price: rec[2], Quantity: rec[3]}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
