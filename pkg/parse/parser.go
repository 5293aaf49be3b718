package parse

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/SkyGlancer/CivicAtlas/pkg/models"
	"github.com/SkyGlancer/CivicAtlas/pkg/utils"
)

// Listing is the result of parsing one region or district listing page.
// When DistrictPages is non-empty the region publishes its bodies
// district-wise and UrbanBodies is left empty; the caller fetches each
// district page and parses it with the district name as context
type Listing struct {
	UrbanBodies   []models.UrbanBody
	DistrictPages []models.DistrictPage
}

// Parser extracts domain records from fetched page content. Implementations
// must tolerate malformed-but-present HTML: no matching structure means an
// empty result, not an error
type Parser interface {
	UrbanBodyList(pageURL string, body []byte, district string) (*Listing, error)
	WardList(pageURL string, body []byte) ([]models.WardRow, error)
}

// bodyTypePattern ties a URL path slug to the body type it denotes
type bodyTypePattern struct {
	slug string
	typ  models.BodyType
}

// Checked in order with substring containment, so keep the list stable
var bodyTypePatterns = []bodyTypePattern{
	{"municipal-corporations", models.BodyTypeMunicipalCorporation},
	{"municipality", models.BodyTypeMunicipality},
	{"town-panchayat", models.BodyTypeTownPanchayat},
	{"notified-area-council", models.BodyTypeNotifiedAreaCouncil},
	{"cantonment-board", models.BodyTypeCantonmentBoard},
	{"nct-municipal-council", models.BodyTypeNCTMunicipalCouncil},
	{"city-municipal-council", models.BodyTypeCityMunicipalCouncil},
	{"town-municipal-council", models.BodyTypeTownMunicipalCouncil},
}

var (
	// Links to individual urban body pages, one path prefix per body type
	ulbLinkRe = regexp.MustCompile(`/(municipal-corporations|municipality|town-panchayat|notified-area-council|cantonment-board|nct-municipal-council|city-municipal-council|town-municipal-council)-`)

	// Links to per-district listing pages within a region
	districtLinkRe = regexp.MustCompile(`/urban-local-bodies-list-in-.*-district-\d+`)

	// "Ward No. 12" style combined cells
	wardNoRe = regexp.MustCompile(`(?i)ward\s*no\.?\s*(\d+)`)
)

// BodyTypeFromPath classifies an urban body by the slug in its page URL
func BodyTypeFromPath(rawURL string) models.BodyType {
	for _, p := range bodyTypePatterns {
		if strings.Contains(rawURL, p.slug) {
			return p.typ
		}
	}
	return models.BodyTypeUnknown
}

// HTMLParser implements Parser over goquery documents
type HTMLParser struct {
	log *logrus.Logger
}

// NewHTMLParser creates an HTMLParser
func NewHTMLParser(log *logrus.Logger) *HTMLParser {
	return &HTMLParser{log: log}
}

// UrbanBodyList parses a region or district listing page. district carries
// the district name when pageURL is a per-district page; empty means a
// region page, where the district is taken from row context if present
func (p *HTMLParser) UrbanBodyList(pageURL string, body []byte, district string) (*Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building document for %s: %v", utils.ErrParsing, pageURL, err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: page URL %q: %v", utils.ErrParsing, pageURL, err)
	}

	pageLog := p.log.WithField("page", pageURL)
	listing := &Listing{}

	// Region pages for district-wise states link out to one listing page per
	// district. When any such link exists, the district pages carry the body
	// tables and this page's own rows are not scanned
	if district == "" {
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, exists := sel.Attr("href")
			if !exists || !districtLinkRe.MatchString(href) {
				return
			}
			linkURL := p.resolveLink(base, href, pageLog)
			if linkURL == nil {
				return
			}
			listing.DistrictPages = append(listing.DistrictPages, models.DistrictPage{
				Name: utils.NormalizeText(sel.Text()),
				URL:  linkURL.String(),
			})
		})
		if len(listing.DistrictPages) > 0 {
			pageLog.Debugf("Found %d district listing pages", len(listing.DistrictPages))
			return listing, nil
		}
	}

	// Direct listing: body links live inside table rows. The HTML5 parser
	// wraps stray rows in a tbody, so this matches tables written either way
	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		row.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, exists := sel.Attr("href")
			if !exists || !ulbLinkRe.MatchString(href) {
				return
			}
			linkURL := p.resolveLink(base, href, pageLog)
			if linkURL == nil {
				return
			}

			bodyDistrict := district
			if bodyDistrict == "" {
				bodyDistrict = districtFromRow(row)
			}
			if bodyDistrict == "" {
				bodyDistrict = "Unknown"
			}

			listing.UrbanBodies = append(listing.UrbanBodies, models.UrbanBody{
				Name:     utils.NormalizeText(sel.Text()),
				Type:     BodyTypeFromPath(linkURL.String()),
				District: bodyDistrict,
				URL:      linkURL.String(),
			})
		})
	})

	pageLog.Debugf("Found %d urban body links", len(listing.UrbanBodies))
	return listing, nil
}

// WardList parses an urban body page into ward rows. Pages without a
// recognizable ward table yield an empty slice
func (p *HTMLParser) WardList(pageURL string, body []byte) ([]models.WardRow, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building document for %s: %v", utils.ErrParsing, pageURL, err)
	}

	var wards []models.WardRow
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		if !looksLikeWardTable(table) {
			return
		}
		table.Find("tbody tr").Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td, th")
			if cells.Length() < 3 {
				return
			}
			// A th-only row is a header the source table kept outside a thead
			if row.Find("td").Length() == 0 {
				return
			}
			if ward, ok := wardFromCells(cells); ok {
				wards = append(wards, ward)
			}
		})
	})

	p.log.WithField("page", pageURL).Debugf("Extracted %d ward rows", len(wards))
	return wards, nil
}

// resolveLink resolves href against base and validates the result. Returns
// nil for unusable links. Fragments never distinguish pages here, drop them
func (p *HTMLParser) resolveLink(base *url.URL, href string, pageLog *logrus.Entry) *url.URL {
	linkURL, err := base.Parse(href)
	if err != nil {
		pageLog.Warnf("Skipping invalid link href '%s': %v", href, err)
		return nil
	}
	if linkURL.Scheme != "http" && linkURL.Scheme != "https" {
		return nil
	}
	linkURL.Fragment = ""
	return linkURL
}

// districtFromRow pulls a district name out of a row's cells when the
// listing table carries one inline
func districtFromRow(row *goquery.Selection) string {
	district := ""
	row.Find("td, th").EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		text := utils.NormalizeText(cell.Text())
		if text == "" || len(text) >= 50 {
			return true
		}
		if strings.Contains(strings.ToLower(text), "district") {
			cleaned := strings.ReplaceAll(text, "district", "")
			cleaned = strings.ReplaceAll(cleaned, "District", "")
			district = strings.TrimSpace(cleaned)
			return false
		}
		return true
	})
	return district
}

// looksLikeWardTable sniffs the leading cells for ward table vocabulary
func looksLikeWardTable(table *goquery.Selection) bool {
	var parts []string
	table.Find("th, td").EachWithBreak(func(i int, cell *goquery.Selection) bool {
		parts = append(parts, strings.ToLower(cell.Text()))
		return i < 4 // The first five cells are enough to recognize a header
	})
	headerText := strings.Join(parts, " ")
	for _, keyword := range []string{"ward", "name", "no"} {
		if strings.Contains(headerText, keyword) {
			return true
		}
	}
	return false
}

// wardFromCells maps a row's cells onto a ward number and name. The site's
// usual layout is (serial, ward name, ward number, LGD code), but older
// pages shuffle columns, so positional mapping falls back to content
// sniffing. LGD codes are recognized only to keep them out of the ward
// number slot; they are not part of the output record
func wardFromCells(cells *goquery.Selection) (models.WardRow, bool) {
	texts := make([]string, 0, cells.Length())
	cells.Each(func(_ int, cell *goquery.Selection) {
		texts = append(texts, utils.NormalizeText(cell.Text()))
	})

	empty := true
	for _, t := range texts {
		if t != "" {
			empty = false
			break
		}
	}
	if empty {
		return models.WardRow{}, false
	}

	var number, name, lgdCode string
	for i, text := range texts {
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		digits := isAllDigits(text)

		switch {
		case i == 0 && digits:
			// Serial column
		case i == 1 && strings.Contains(lower, "ward"):
			name = text
		case i == 2 && digits:
			number = text
		case i == 3 && digits:
			lgdCode = text
		case digits && len(text) >= 3 && lgdCode == "":
			// LGD codes run three digits and up, ward numbers rarely do
			lgdCode = text
		case digits && len(text) <= 2 && number == "":
			number = text
		case strings.Contains(lower, "ward") && len(text) > 5 && name == "":
			name = text
		}
	}

	// Combined "Ward No. 12" cells land in the name slot; pull the number
	// out when no dedicated column supplied one
	if number == "" && name != "" {
		if m := wardNoRe.FindStringSubmatch(name); m != nil {
			number = m[1]
		}
	}

	if number == "" && name == "" {
		// A bare LGD code identifies nothing the output carries
		return models.WardRow{}, false
	}
	return models.WardRow{Number: number, Name: name}, true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
