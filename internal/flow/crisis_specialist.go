package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/retrieval"
)

// DefaultCrisisMessage is sent on every escalated turn. It is static so that
// it never depends on an upstream capability.
const DefaultCrisisMessage = `I'm really glad you told me, and I'm concerned about your safety right now. You don't have to go through this alone.
If you are in immediate danger, please call your local emergency number now.`

// fallbackHotline is used when the catalog carries no hotline entries.
var fallbackHotline = models.ResourceCandidate{
	ID:           "hotline-988",
	Title:        "988 Suicide & Crisis Lifeline (call or text 988, US)",
	Type:         models.ResourceHotline,
	Availability: models.AvailabilityNow,
	URL:          "https://988lifeline.org",
	Source:       models.SourceCatalog,
}

// CrisisSpecialist answers escalated turns with a fixed safety message and
// hotline resources. It makes no upstream calls.
type CrisisSpecialist struct {
	index   *retrieval.Index
	message string
}

// NewCrisisSpecialist creates the crisis specialist. index may be nil.
func NewCrisisSpecialist(index *retrieval.Index) *CrisisSpecialist {
	return &CrisisSpecialist{index: index, message: DefaultCrisisMessage}
}

// Kind implements Specialist.
func (s *CrisisSpecialist) Kind() models.SpecialistKind { return models.SpecialistCrisis }

// Respond implements Specialist. It never fails.
func (s *CrisisSpecialist) Respond(ctx context.Context, req Request) (Response, error) {
	var hotlines []models.ResourceCandidate
	if s.index != nil {
		hotlines = s.index.Load().Hotlines()
	}
	if len(hotlines) == 0 {
		hotlines = []models.ResourceCandidate{fallbackHotline}
	}

	var b strings.Builder
	b.WriteString(s.message)
	b.WriteString("\n\nYou can reach someone right now:")
	for _, h := range hotlines {
		fmt.Fprintf(&b, "\n- %s", h.Title)
		if h.URL != "" {
			fmt.Fprintf(&b, " (%s)", h.URL)
		}
	}
	b.WriteString("\n\nI'm here and will keep listening. Would you like to tell me what's happening right now?")
	return Response{Text: b.String(), Resources: hotlines}, nil
}
