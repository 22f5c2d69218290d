package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/retrieval"
	"github.com/BTreeMap/CarePipe/internal/websearch"
)

// DefaultQueryTurns is how many recent user turns form the retrieval query.
const DefaultQueryTurns = 3

const lowerTrustNotice = "These links come from a general web search and have not been reviewed by our team, so please use your judgement."

// ResourceSpecialist matches the user's situation against the resource
// catalog, falling back to web search when the catalog is not confident.
type ResourceSpecialist struct {
	matcher  *retrieval.Matcher
	searcher websearch.Searcher
}

// NewResourceSpecialist creates the resource specialist. searcher may be nil,
// in which case low-confidence retrievals produce no results.
func NewResourceSpecialist(matcher *retrieval.Matcher, searcher websearch.Searcher) *ResourceSpecialist {
	return &ResourceSpecialist{matcher: matcher, searcher: searcher}
}

// Kind implements Specialist.
func (s *ResourceSpecialist) Kind() models.SpecialistKind { return models.SpecialistResource }

// Respond implements Specialist.
func (s *ResourceSpecialist) Respond(ctx context.Context, req Request) (Response, error) {
	resp := Response{Next: resourceNext(req.UserText)}
	if resp.Next == models.StageClosure {
		resp.Text = "Thank you for exploring these options with me. Let's wrap up."
		return resp, nil
	}

	query := recentUserText(req.History, DefaultQueryTurns)
	if query == "" {
		query = req.UserText
	}

	results, err := s.matcher.Match(ctx, query, req.Tier)
	switch {
	case err == nil:
		resp.Resources = results
		resp.Text = formatResources("Here are some resources that might help:", results, false)
		return resp, nil
	case errors.Is(err, models.ErrLowConfidenceRetrieval):
		slog.Debug("ResourceSpecialist.Respond: low confidence, falling back to web search", "conversationID", req.ConversationID)
	case ctx.Err() != nil:
		return Response{}, err
	default:
		slog.Warn("ResourceSpecialist.Respond: catalog match failed, falling back to web search", "conversationID", req.ConversationID, "error", err)
		resp.Degraded = true
	}

	web, werr := s.search(ctx, query, req.Tier)
	if werr != nil {
		if ctx.Err() != nil {
			return Response{}, werr
		}
		slog.Warn("ResourceSpecialist.Respond: web search failed", "conversationID", req.ConversationID, "error", werr)
		resp.Degraded = true
	}
	if len(web) == 0 {
		resp.Text = "I couldn't find a resource that fits well right now. Could you tell me a bit more about what kind of support you're looking for?"
		return resp, nil
	}
	resp.Resources = web
	resp.Text = formatResources("I didn't find a close match in our reviewed resources, but here is what I found:", web, true)
	return resp, nil
}

// search runs the web-search fallback and tags every result as lower-trust.
func (s *ResourceSpecialist) search(ctx context.Context, query string, tier models.PrivacyTier) ([]models.ResourceCandidate, error) {
	if s.searcher == nil {
		return nil, nil
	}
	metrics.RetrievalFallbacks.Inc()
	if tier == models.PrivacyTierFull {
		slog.Debug("ResourceSpecialist.search: searching", "query", query)
	}
	results, err := s.searcher.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("web search fallback: %w", err)
	}
	out := make([]models.ResourceCandidate, 0, len(results))
	for _, r := range results {
		out = append(out, models.ResourceCandidate{
			ID:           r.URL,
			Title:        r.Title,
			Description:  r.Snippet,
			URL:          r.URL,
			Type:         models.ResourceArticle,
			Availability: models.AvailabilityUnknown,
			Source:       models.SourceWebSearch,
			LowerTrust:   true,
		})
	}
	return out, nil
}

func resourceNext(text string) models.Stage {
	switch {
	case hasCue(text, closureCues...):
		return models.StageClosure
	case hasCue(text, habitCues...):
		return models.StageHabitSupport
	}
	return ""
}

func formatResources(intro string, rs []models.ResourceCandidate, lowerTrust bool) string {
	var b strings.Builder
	b.WriteString(intro)
	for i, r := range rs {
		fmt.Fprintf(&b, "\n%d. %s", i+1, r.Title)
		if r.URL != "" {
			fmt.Fprintf(&b, " - %s", r.URL)
		}
	}
	if lowerTrust {
		b.WriteString("\n\n" + lowerTrustNotice)
	}
	b.WriteString("\n\nWould you also like to try a small daily habit together?")
	return b.String()
}
