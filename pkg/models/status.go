package models

// BodyStatus represents the scrape status of an urban body in the journal
type BodyStatus string

const (
	BodyStatusUnset    BodyStatus = ""          // Zero value = unset/unknown
	BodyStatusSuccess  BodyStatus = "success"   // Ward listing fetched, parsed, and written
	BodyStatusFailure  BodyStatus = "failure"   // Fetch or parse failed
	BodyStatusNotFound BodyStatus = "not_found" // Body not in journal
	BodyStatusDBError  BodyStatus = "db_error"  // Journal error occurred
)

// String implements fmt.Stringer for logging
func (s BodyStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a value the journal actually stores
func (s BodyStatus) IsValid() bool {
	switch s {
	case BodyStatusSuccess, BodyStatusFailure:
		return true
	}
	return false
}
