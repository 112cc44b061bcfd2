package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/carpool-assignment/internal/models"
)

// Match is one driver ride found near a point.
type Match struct {
	RideID    int64        `json:"rideId"`
	Loc       models.Coord `json:"loc"`
	DistanceM float64      `json:"distanceM"`
}

// Geo keeps driver pickup points per event.
type Geo interface {
	Upsert(ctx context.Context, eventID, rideID int64, at models.Coord) error
	Remove(ctx context.Context, eventID, rideID int64) error
	Nearby(ctx context.Context, eventID int64, at models.Coord, limit int) ([]Match, error)
}

// Index is the in-process Geo used when Redis is not configured.
type Index struct {
	mu     sync.RWMutex
	events map[int64]map[int64]models.Coord
}

func NewIndex() *Index {
	return &Index{events: make(map[int64]map[int64]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, eventID, rideID int64, at models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	pts, ok := g.events[eventID]
	if !ok {
		pts = make(map[int64]models.Coord)
		g.events[eventID] = pts
	}
	pts[rideID] = at
	return nil
}

func (g *Index) Remove(_ context.Context, eventID, rideID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pts, ok := g.events[eventID]; ok {
		delete(pts, rideID)
		if len(pts) == 0 {
			delete(g.events, eventID)
		}
	}
	return nil
}

// naive scan; events hold tens of drivers, not thousands
func (g *Index) Nearby(_ context.Context, eventID int64, at models.Coord, limit int) ([]Match, error) {
	g.mu.RLock()
	pts := g.events[eventID]
	out := make([]Match, 0, len(pts))
	for id, loc := range pts {
		out = append(out, Match{RideID: id, Loc: loc, DistanceM: Haversine(at.Lat, at.Lon, loc.Lat, loc.Lon)})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM == out[j].DistanceM {
			return out[i].RideID < out[j].RideID
		}
		return out[i].DistanceM < out[j].DistanceM
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
