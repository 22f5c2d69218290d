package models

import "time"

// ResourceType categorises support resources.
type ResourceType string

const (
	ResourceTherapist ResourceType = "therapist"
	ResourceArticle   ResourceType = "article"
	ResourceHotline   ResourceType = "hotline"
)

// Availability describes how soon a resource can be used.
type Availability string

const (
	AvailabilityNow      Availability = "available"
	AvailabilityLimited  Availability = "limited"
	AvailabilityWaitlist Availability = "waitlist"
	AvailabilityUnknown  Availability = "unknown"
)

// Rank orders availability for tie-breaking; higher is better.
func (a Availability) Rank() int {
	switch a {
	case AvailabilityNow:
		return 3
	case AvailabilityLimited:
		return 2
	case AvailabilityWaitlist:
		return 1
	default:
		return 0
	}
}

// Resource sources.
const (
	SourceCatalog   = "catalog"
	SourceWebSearch = "websearch"
)

// ResourceCandidate is a rankable support resource. Candidates in an index
// snapshot are never mutated; scored results are copies.
type ResourceCandidate struct {
	ID           string       `json:"id" yaml:"id"`
	Title        string       `json:"title" yaml:"title"`
	Description  string       `json:"description,omitempty" yaml:"description"`
	URL          string       `json:"url,omitempty" yaml:"url"`
	Type         ResourceType `json:"type" yaml:"type"`
	Availability Availability `json:"availability" yaml:"availability"`
	UpdatedAt    time.Time    `json:"updated_at" yaml:"updated_at"`
	Embedding    []float32    `json:"-" yaml:"embedding,omitempty"`
	Score        float64      `json:"score"`
	LowerTrust   bool         `json:"lower_trust"`
	Source       string       `json:"source"`
}
