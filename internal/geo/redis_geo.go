package geo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-assignment/internal/models"
)

// DefaultSearchRadiusM bounds Nearby lookups against Redis.
const DefaultSearchRadiusM = 100_000

// RedisGeo implements Geo using one Redis GEO set per event.
type RedisGeo struct {
	client  redis.UniversalClient
	prefix  string
	radiusM float64
}

func NewRedisGeo(client redis.UniversalClient, prefix string) *RedisGeo {
	if prefix == "" {
		prefix = "carpool:drivers"
	}
	return &RedisGeo{client: client, prefix: prefix, radiusM: DefaultSearchRadiusM}
}

func (r *RedisGeo) key(eventID int64) string {
	return r.prefix + ":" + strconv.FormatInt(eventID, 10)
}

func (r *RedisGeo) Upsert(ctx context.Context, eventID, rideID int64, at models.Coord) error {
	err := r.client.GeoAdd(ctx, r.key(eventID), &redis.GeoLocation{
		Longitude: at.Lon,
		Latitude:  at.Lat,
		Name:      strconv.FormatInt(rideID, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("geo.RedisGeo.Upsert: %w", err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, eventID, rideID int64) error {
	if err := r.client.ZRem(ctx, r.key(eventID), strconv.FormatInt(rideID, 10)).Err(); err != nil {
		return fmt.Errorf("geo.RedisGeo.Remove: %w", err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, eventID int64, at models.Coord, limit int) ([]Match, error) {
	res, err := r.client.GeoRadius(ctx, r.key(eventID), at.Lon, at.Lat, &redis.GeoRadiusQuery{
		Radius:    r.radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo.RedisGeo.Nearby: %w", err)
	}
	out := make([]Match, 0, len(res))
	for _, loc := range res {
		id, err := strconv.ParseInt(loc.Name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Match{
			RideID:    id,
			Loc:       models.Coord{Lat: loc.Latitude, Lon: loc.Longitude},
			DistanceM: loc.Dist,
		})
	}
	return out, nil
}
