package model

import (
	"strings"
	"time"
)

// GeoCategory is the coarse region class of an exit node.
type GeoCategory string

const (
	GeoUS    GeoCategory = "US"
	GeoNonUS GeoCategory = "NON_US"
)

// GeoCategories lists every category the fleet tracks, in gauge order.
var GeoCategories = []GeoCategory{GeoUS, GeoNonUS}

// GeoCategoryForCountry derives the category from a directory-reported country code.
func GeoCategoryForCountry(country string) GeoCategory {
	if strings.EqualFold(strings.TrimSpace(country), "US") {
		return GeoUS
	}
	return GeoNonUS
}

// ParseGeoCategory reports whether s names a known category. Matching is exact.
func ParseGeoCategory(s string) (GeoCategory, bool) {
	for _, g := range GeoCategories {
		if string(g) == s {
			return g, true
		}
	}
	return "", false
}

// NodeRecord is one row of the exit-node catalog. The refresher owns it; the manager only reads.
type NodeRecord struct {
	Fingerprint string      `json:"fingerprint" gorm:"primaryKey;size:64"`
	Nickname    string      `json:"nickname,omitempty" gorm:"size:64"`
	Country     string      `json:"country" gorm:"size:8"`
	IP          string      `json:"ip" gorm:"size:64"`
	IsExit      bool        `json:"isExit"`
	IsRunning   bool        `json:"isRunning"`
	LastSeen    string      `json:"lastSeen,omitempty" gorm:"size:32"`
	GeoCategory GeoCategory `json:"geoCategory" gorm:"size:16;index"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// TableName keeps the table shared with the sqlite schema.
func (NodeRecord) TableName() string {
	return "tor_nodes"
}
