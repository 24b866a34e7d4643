package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"geoforge/internal/geo"
	mmetrics "geoforge/internal/metrics"
)

const cacheKeyPrefix = "geoforge:route:"

// Cache serves roads from Redis and falls back to next on a miss. Redis
// errors never fail a fetch.
type Cache struct {
	rdb     *redis.Client
	next    Fetcher
	ttl     time.Duration
	metrics *mmetrics.Collector
}

func NewCache(rdb *redis.Client, next Fetcher, ttl time.Duration, metrics *mmetrics.Collector) *Cache {
	return &Cache{rdb: rdb, next: next, ttl: ttl, metrics: metrics}
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}
	return client, nil
}

func (c *Cache) FetchRoute(ctx context.Context, waypoints []geo.GeoPoint, mode geo.TravelMode) (Road, error) {
	if err := ValidateWaypoints(waypoints); err != nil {
		return Road{}, err
	}
	key := cacheKey(waypoints, mode)

	b, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var road Road
		if jerr := json.Unmarshal(b, &road); jerr == nil && len(road.Route) >= 2 {
			if c.metrics != nil {
				c.metrics.RouteFetches.WithLabelValues("cache_hit").Inc()
			}
			return road, nil
		}
		log.Printf("discarding corrupt cached route %s", key)
	case !errors.Is(err, redis.Nil):
		log.Printf("route cache get %s: %v", key, err)
	}

	road, err := c.next.FetchRoute(ctx, waypoints, mode)
	if err != nil {
		return Road{}, err
	}
	if b, err := json.Marshal(road); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			log.Printf("route cache set %s: %v", key, err)
		}
	}
	return road, nil
}

// cacheKey rounds coordinates to 1e-6 degrees (about 0.1 m).
func cacheKey(waypoints []geo.GeoPoint, mode geo.TravelMode) string {
	var sb strings.Builder
	sb.WriteString(cacheKeyPrefix)
	sb.WriteString(mode.Profile())
	for _, p := range waypoints {
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatFloat(p.Lat, 'f', 6, 64))
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatFloat(p.Lon, 'f', 6, 64))
	}
	return sb.String()
}
