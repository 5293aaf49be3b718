package scrape

import (
	"fmt"
	"strings"

	"github.com/SkyGlancer/CivicAtlas/pkg/config"
	"github.com/SkyGlancer/CivicAtlas/pkg/models"
	"github.com/SkyGlancer/CivicAtlas/pkg/utils"
)

// defaultRegions is the built-in table of states and union territories with
// the numeric codes their listing pages carry. The top-level enumeration is
// stable enough to ship as data instead of scraping a landing page for it;
// config.States overrides the table when the site renumbers.
// Code 9 belonged to Daman and Diu before the 2020 merger and is retired.
var defaultRegions = []models.Region{
	{Name: "Andaman and Nicobar Islands", Slug: "andaman-and-nicobar-islands", Code: 1},
	{Name: "Andhra Pradesh", Slug: "andhra-pradesh", Code: 2},
	{Name: "Arunachal Pradesh", Slug: "arunachal-pradesh", Code: 3},
	{Name: "Assam", Slug: "assam", Code: 4},
	{Name: "Bihar", Slug: "bihar", Code: 5},
	{Name: "Chandigarh", Slug: "chandigarh", Code: 6},
	{Name: "Chhattisgarh", Slug: "chhattisgarh", Code: 7},
	{Name: "Dadra and Nagar Haveli and Daman and Diu", Slug: "dadra-and-nagar-haveli-and-daman-and-diu", Code: 8},
	{Name: "Delhi", Slug: "delhi", Code: 10},
	{Name: "Goa", Slug: "goa", Code: 11},
	{Name: "Gujarat", Slug: "gujarat", Code: 12},
	{Name: "Haryana", Slug: "haryana", Code: 13},
	{Name: "Himachal Pradesh", Slug: "himachal-pradesh", Code: 14},
	{Name: "Jammu and Kashmir", Slug: "jammu-and-kashmir", Code: 15},
	{Name: "Jharkhand", Slug: "jharkhand", Code: 16},
	{Name: "Karnataka", Slug: "karnataka", Code: 17},
	{Name: "Kerala", Slug: "kerala", Code: 18},
	{Name: "Ladakh", Slug: "ladakh", Code: 19},
	{Name: "Lakshadweep", Slug: "lakshadweep", Code: 20},
	{Name: "Madhya Pradesh", Slug: "madhya-pradesh", Code: 21},
	{Name: "Maharashtra", Slug: "maharashtra", Code: 22},
	{Name: "Manipur", Slug: "manipur", Code: 23},
	{Name: "Meghalaya", Slug: "meghalaya", Code: 24},
	{Name: "Mizoram", Slug: "mizoram", Code: 25},
	{Name: "Nagaland", Slug: "nagaland", Code: 26},
	{Name: "Odisha", Slug: "odisha", Code: 27},
	{Name: "Puducherry", Slug: "puducherry", Code: 28},
	{Name: "Punjab", Slug: "punjab", Code: 29},
	{Name: "Rajasthan", Slug: "rajasthan", Code: 30},
	{Name: "Sikkim", Slug: "sikkim", Code: 31},
	{Name: "Tamil Nadu", Slug: "tamil-nadu", Code: 32},
	{Name: "Telangana", Slug: "telangana", Code: 33},
	{Name: "Tripura", Slug: "tripura", Code: 34},
	{Name: "Uttar Pradesh", Slug: "uttar-pradesh", Code: 35},
	{Name: "Uttarakhand", Slug: "uttarakhand", Code: 36},
	{Name: "West Bengal", Slug: "west-bengal", Code: 37},
}

// DefaultRegions returns a copy of the built-in state and union territory
// table, in the fixed traversal order.
func DefaultRegions() []models.Region {
	regions := make([]models.Region, len(defaultRegions))
	copy(regions, defaultRegions)
	return regions
}

// Regions resolves the region list for a run: the config override when
// present, the built-in table otherwise, optionally narrowed by the
// comma-separated name/slug filter from the CLI. An unmatched filter entry is
// an error so a typo fails the run up front instead of silently scraping
// nothing.
func Regions(cfg *config.AppConfig, filter string) ([]models.Region, error) {
	regions := cfg.States
	if len(regions) == 0 {
		regions = DefaultRegions()
	}

	filter = strings.TrimSpace(filter)
	if filter == "" {
		return regions, nil
	}

	// Keyed by lowercase for matching, valued by the user's spelling so an
	// error echoes the filter as typed
	wanted := make(map[string]string)
	for _, part := range strings.Split(filter, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			wanted[strings.ToLower(part)] = part
		}
	}

	var selected []models.Region
	for _, region := range regions {
		nameKey := strings.ToLower(region.Name)
		slugKey := strings.ToLower(region.Slug)
		_, byName := wanted[nameKey]
		_, bySlug := wanted[slugKey]
		if !byName && !bySlug {
			continue
		}
		selected = append(selected, region)
		delete(wanted, nameKey)
		delete(wanted, slugKey)
	}

	if len(wanted) > 0 {
		unknown := make([]string, 0, len(wanted))
		for _, original := range wanted {
			unknown = append(unknown, original)
		}
		return nil, fmt.Errorf("%w: unknown state filter entries: %s",
			utils.ErrConfigValidation, strings.Join(unknown, ", "))
	}
	return selected, nil
}

// RegionURL builds the urban body listing URL for a region.
func RegionURL(baseURL string, region models.Region) string {
	return fmt.Sprintf("%s/urban-local-bodies-list-in-%s-state-%d",
		strings.TrimRight(baseURL, "/"), region.Slug, region.Code)
}
