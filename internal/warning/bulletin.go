package warning

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
)

// Geometry is a GeoJSON point.
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// FeatureProperties carries the station metadata and the 14 lead-day
// warning levels for one station.
type FeatureProperties struct {
	Hydroweb string `json:"hydroweb"`
	ReachID  int64  `json:"reachid"`
	Basin    string `json:"basin"`
	River    string `json:"river"`
	Name     string `json:"name"`
	Country  string `json:"country"`
	WD01     Level  `json:"wd01"`
	WD02     Level  `json:"wd02"`
	WD03     Level  `json:"wd03"`
	WD04     Level  `json:"wd04"`
	WD05     Level  `json:"wd05"`
	WD06     Level  `json:"wd06"`
	WD07     Level  `json:"wd07"`
	WD08     Level  `json:"wd08"`
	WD09     Level  `json:"wd09"`
	WD10     Level  `json:"wd10"`
	WD11     Level  `json:"wd11"`
	WD12     Level  `json:"wd12"`
	WD13     Level  `json:"wd13"`
	WD14     Level  `json:"wd14"`
}

// Feature is one station's warning state as a GeoJSON feature.
type Feature struct {
	Type       string            `json:"type"`
	Geometry   Geometry          `json:"geometry"`
	Properties FeatureProperties `json:"properties"`
}

// FeatureCollection is the network-wide warning bulletin for one
// initialization date.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Date     string    `json:"date"`
	Features []Feature `json:"features"`
}

// leadLevel returns the level for a zero-based lead day, defaulting to
// no-warning when the stored row is short.
func leadLevel(levels []string, i int) Level {
	if i < len(levels) && levels[i] != "" {
		return Level(levels[i])
	}
	return LevelNone
}

// Bulletin joins stored warning rows with station metadata into a GeoJSON
// feature collection. Stations with no warning row for the date appear with
// all-R0 levels, so the map layer always renders the full network.
func Bulletin(date time.Time, stations []timeseries.Station, rows []timeseries.WarningRow) *FeatureCollection {
	byStation := make(map[string][]string, len(rows))
	for _, r := range rows {
		byStation[r.Hydroweb] = r.Levels
	}

	fc := &FeatureCollection{
		Type:     "FeatureCollection",
		Date:     date.UTC().Format("2006-01-02"),
		Features: make([]Feature, 0, len(stations)),
	}
	for _, st := range stations {
		levels := byStation[st.Hydroweb]
		props := FeatureProperties{
			Hydroweb: st.Hydroweb,
			ReachID:  st.ReachID,
			Basin:    st.Basin,
			River:    st.River,
			Name:     st.Name,
			Country:  st.Country,
		}
		dst := []*Level{
			&props.WD01, &props.WD02, &props.WD03, &props.WD04, &props.WD05,
			&props.WD06, &props.WD07, &props.WD08, &props.WD09, &props.WD10,
			&props.WD11, &props.WD12, &props.WD13, &props.WD14,
		}
		for i := range dst {
			*dst[i] = leadLevel(levels, i)
		}
		fc.Features = append(fc.Features, Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: [2]float64{st.Longitude, st.Latitude},
			},
			Properties: props,
		})
	}
	return fc
}

// BulletinCache holds the bulletin for the current cycle date. Installing a
// bulletin for a new date supersedes older entries; requests for the same
// date reuse the cached collection.
type BulletinCache struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	date    time.Time
	built   time.Time
	version uint64
	fc      *FeatureCollection
}

func NewBulletinCache(clock clockwork.Clock) *BulletinCache {
	return &BulletinCache{clock: clock}
}

// Get returns the cached bulletin for the date, if current.
func (c *BulletinCache) Get(date time.Time) (*FeatureCollection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fc == nil || !sameDay(c.date, date) {
		return nil, false
	}
	return c.fc, true
}

// Put installs the bulletin for a cycle date, superseding any older date.
func (c *BulletinCache) Put(date time.Time, fc *FeatureCollection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.date = date
	c.built = c.clock.Now()
	c.version++
	c.fc = fc
}

// Version returns the current cache generation, for observability.
func (c *BulletinCache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
