package models

import (
	"time"

	"github.com/SkyGlancer/CivicAtlas/pkg/utils"
)

// Region is a state or union territory whose urban local bodies are listed
// on one index page. Slug and Code together form the listing URL path.
type Region struct {
	Name string `yaml:"name"`
	Slug string `yaml:"slug"` // URL path fragment, e.g. "tamil-nadu"
	Code int    `yaml:"code"` // Numeric site identifier at the end of the listing path
}

// DistrictPage is an intermediate listing page linked from a region page,
// used by states that publish their urban bodies district-wise.
type DistrictPage struct {
	Name string
	URL  string
}

// BodyType classifies an urban local body. Derived from the body's URL path,
// see parse.BodyTypeFromPath.
type BodyType string

const (
	BodyTypeMunicipalCorporation BodyType = "Municipal Corporation"
	BodyTypeMunicipality         BodyType = "Municipality"
	BodyTypeTownPanchayat        BodyType = "Town Panchayat"
	BodyTypeNotifiedAreaCouncil  BodyType = "Notified Area Council"
	BodyTypeCantonmentBoard      BodyType = "Cantonment Board"
	BodyTypeNCTMunicipalCouncil  BodyType = "NCT Municipal Council"
	BodyTypeCityMunicipalCouncil BodyType = "City Municipal Council"
	BodyTypeTownMunicipalCouncil BodyType = "Town Municipal Council"
	BodyTypeUnknown              BodyType = "Unknown"
)

// UrbanBody is a municipal unit discovered on a listing page. URL points at
// its ward listing and doubles as the body's identity for dedupe and journal
// keys (after normalization).
type UrbanBody struct {
	Name     string
	Type     BodyType
	District string
	URL      string
}

// WardRow is a single row parsed from a ward table. Either field may be
// empty, never both.
type WardRow struct {
	Number string
	Name   string
}

// Ward is the flattened record written to the CSV output, one per ward.
type Ward struct {
	Number        string
	Name          string
	UrbanBodyName string
	UrbanBodyType BodyType
	District      string
	State         string
}

// Validate rejects records that would be meaningless in the output: a ward
// must carry its state and urban body context plus an identity of its own.
func (w Ward) Validate() error {
	if w.State == "" {
		return utils.WrapErrorf(utils.ErrValidation, "ward missing state")
	}
	if w.UrbanBodyName == "" {
		return utils.WrapErrorf(utils.ErrValidation, "ward missing urban body name")
	}
	if w.Number == "" && w.Name == "" {
		return utils.WrapErrorf(utils.ErrValidation, "ward missing both number and name")
	}
	return nil
}

// BodyDBEntry stores the scrape outcome for an urban body URL in the journal
type BodyDBEntry struct {
	Status      BodyStatus `json:"status"`               // success or failure
	ErrorType   string     `json:"error_type,omitempty"` // Error category (on failure)
	Wards       int        `json:"wards"`                // Ward rows written (on success)
	RunID       string     `json:"run_id"`               // Run that produced this entry
	LastAttempt time.Time  `json:"last_attempt"`         // Timestamp of the last processing attempt
}
