// Package cities serves autocomplete over a static list of cities.
package cities

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// MaxResults caps a single search.
const MaxResults = 10

// MinQueryLength is the shortest query that is searched at all.
const MinQueryLength = 2

//go:embed data/cities.json
var defaultData []byte

// City is one entry of the static index.
type City struct {
	Name    string `json:"name"`
	State   string `json:"state,omitempty"`
	Country string `json:"country"`
}

// Result is a search hit as served by GET /api/cities.
type Result struct {
	Name     string `json:"name"`
	State    string `json:"state,omitempty"`
	Country  string `json:"country"`
	FullName string `json:"fullName"`
}

// Index is an immutable in-memory city list. Safe for concurrent use.
type Index struct {
	cities []City
	lower  []string
}

// NewIndex builds an index over cities. The slice is copied.
func NewIndex(cities []City) *Index {
	idx := &Index{
		cities: make([]City, len(cities)),
		lower:  make([]string, len(cities)),
	}
	copy(idx.cities, cities)
	for i, c := range idx.cities {
		idx.lower[i] = strings.ToLower(c.Name)
	}
	return idx
}

// record is one entry of a city file. Full dataset dumps name the state "admin1".
type record struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Admin1  string `json:"admin1"`
	Country string `json:"country"`
}

// Load reads a JSON array of cities.
func Load(r io.Reader) (*Index, error) {
	var records []record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode cities: %w", err)
	}
	list := make([]City, 0, len(records))
	for _, rec := range records {
		state := rec.State
		if state == "" {
			state = rec.Admin1
		}
		list = append(list, City{Name: rec.Name, State: state, Country: rec.Country})
	}
	return NewIndex(list), nil
}

// LoadFile reads a JSON city list from path.
func LoadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cities file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the index built from the embedded list of US and major world cities.
func Default() (*Index, error) {
	return Load(bytes.NewReader(defaultData))
}

// Len reports how many cities the index holds.
func (idx *Index) Len() int { return len(idx.cities) }

// Search returns up to MaxResults US cities whose name contains query, case-insensitively,
// in index order. The query is matched as given, spaces included. Queries shorter than
// MinQueryLength yield an empty, non-nil slice.
func (idx *Index) Search(query string) []Result {
	q := strings.ToLower(query)
	results := []Result{}
	if len([]rune(q)) < MinQueryLength {
		return results
	}
	for i, c := range idx.cities {
		if c.Country != "US" || !strings.Contains(idx.lower[i], q) {
			continue
		}
		results = append(results, Result{
			Name:     c.Name,
			State:    c.State,
			Country:  c.Country,
			FullName: c.Name + ", " + c.Country,
		})
		if len(results) == MaxResults {
			break
		}
	}
	return results
}
