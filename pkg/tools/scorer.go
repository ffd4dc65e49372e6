package tools

import (
	"math"
	"strings"
)

// engagementWords signal a call to action in generated content.
var engagementWords = []string{"check", "see", "view", "explore"}

// QualityMetrics breaks down one content quality evaluation.
type QualityMetrics struct {
	Score         float64 `json:"score"`
	Length        int     `json:"length"`
	WordCount     int     `json:"word_count"`
	HasHashtags   bool    `json:"has_hashtags"`
	HasLinks      bool    `json:"has_links"`
	HasEngagement bool    `json:"has_engagement"`
}

// QualityScorer rates generated content from 0 to 100 with simple
// heuristics: half the score comes from landing in the expected length
// band, half from completeness signals (hashtags, links, a call to action,
// substantial word count).
type QualityScorer struct {
	MinLength int
	MaxLength int
}

// NewQualityScorer creates a scorer with the given length band.
func NewQualityScorer(minLength, maxLength int) *QualityScorer {
	if minLength <= 0 {
		minLength = 100
	}
	if maxLength <= 0 {
		maxLength = 2000
	}
	return &QualityScorer{MinLength: minLength, MaxLength: maxLength}
}

// Score rates content from 0 to 100.
func (s *QualityScorer) Score(content string) float64 {
	return s.Evaluate(content).Score
}

// Evaluate rates content and returns the full metric breakdown.
func (s *QualityScorer) Evaluate(content string) QualityMetrics {
	length := len(content)
	wordCount := len(strings.Fields(content))

	var lengthScore float64
	switch {
	case length >= s.MinLength && length <= s.MaxLength:
		lengthScore = 100
	case length < s.MinLength:
		lengthScore = float64(length) / float64(s.MinLength) * 50
	default:
		lengthScore = math.Max(0, 100-float64(length-s.MaxLength)/float64(s.MaxLength)*50)
	}

	lower := strings.ToLower(content)
	hasHashtags := strings.Contains(content, "#")
	hasLinks := strings.Contains(content, "http") || strings.Contains(content, "github.com")
	hasEngagement := false
	for _, word := range engagementWords {
		if strings.Contains(lower, word) {
			hasEngagement = true
			break
		}
	}

	var completeness float64
	if hasHashtags {
		completeness += 25
	}
	if hasLinks {
		completeness += 25
	}
	if hasEngagement {
		completeness += 25
	}
	if wordCount > 50 {
		completeness += 25
	}

	score := lengthScore*0.5 + completeness*0.5

	return QualityMetrics{
		Score:         math.Round(score*100) / 100,
		Length:        length,
		WordCount:     wordCount,
		HasHashtags:   hasHashtags,
		HasLinks:      hasLinks,
		HasEngagement: hasEngagement,
	}
}
