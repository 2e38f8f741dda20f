package guardrail

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"ecomsimply/internal/domain"
)

const DefaultMinConfidence = 0.6

// Weights of each sub-score in the overall confidence. They sum to 1.
var Weights = domain.QualityScores{
	Title:       0.20,
	Description: 0.15,
	Price:       0.25,
	Images:      0.20,
	Attributes:  0.10,
	SEO:         0.10,
}

// QualityGuardrail scores how complete and trustworthy a listing looks.
type QualityGuardrail struct {
	minConfidence float64
}

func NewQualityGuardrail(minConfidence float64) *QualityGuardrail {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &QualityGuardrail{minConfidence: minConfidence}
}

func (g *QualityGuardrail) MinConfidence() float64 { return g.minConfidence }

func (g *QualityGuardrail) Validate(p domain.Product) domain.QualityAnalysis {
	var issues []string
	s := domain.QualityScores{
		Title:       titleScore(p.Title, &issues),
		Description: descriptionScore(p.Description, &issues),
		Price:       priceScore(p.Price, &issues),
		Images:      imagesScore(p.Images, &issues),
		Attributes:  attributesScore(p.Attributes, &issues),
		SEO:         seoScore(p, &issues),
	}
	conf := s.Title*Weights.Title +
		s.Description*Weights.Description +
		s.Price*Weights.Price +
		s.Images*Weights.Images +
		s.Attributes*Weights.Attributes +
		s.SEO*Weights.SEO
	conf = math.Round(conf*1000) / 1000

	return domain.QualityAnalysis{
		Passed:        conf >= g.minConfidence,
		Confidence:    conf,
		MinConfidence: g.minConfidence,
		Scores:        s,
		Issues:        issues,
	}
}

func (g *QualityGuardrail) Reason(a domain.QualityAnalysis) string {
	r := fmt.Sprintf("Qualité insuffisante: confiance %.2f < %.2f", a.Confidence, a.MinConfidence)
	if len(a.Issues) > 0 {
		r += " (" + strings.Join(a.Issues, "; ") + ")"
	}
	return r
}

func titleScore(title string, issues *[]string) float64 {
	title = strings.TrimSpace(title)
	n := utf8.RuneCountInString(title)
	switch {
	case n == 0:
		*issues = append(*issues, "titre manquant")
		return 0
	case n < 10:
		*issues = append(*issues, "titre trop court")
		return 0.3
	case n > 150:
		*issues = append(*issues, "titre trop long")
		return 0.7
	}
	if len(strings.Fields(title)) < 2 {
		return 0.6
	}
	return 1
}

func descriptionScore(desc string, issues *[]string) float64 {
	n := utf8.RuneCountInString(strings.TrimSpace(desc))
	switch {
	case n == 0:
		*issues = append(*issues, "description manquante")
		return 0
	case n < 50:
		*issues = append(*issues, "description trop courte")
		return 0.3
	case n < 150:
		return 0.7
	default:
		return 1
	}
}

func priceScore(p domain.Price, issues *[]string) float64 {
	if !p.Amount.IsPositive() {
		*issues = append(*issues, "prix invalide")
		return 0
	}
	if len(p.Currency) != 3 {
		*issues = append(*issues, "devise manquante")
		return 0.5
	}
	return 1
}

func imagesScore(images []domain.Image, issues *[]string) float64 {
	if len(images) == 0 {
		*issues = append(*issues, "aucune image")
		return 0
	}
	secure := 0
	for _, img := range images {
		if strings.HasPrefix(img.URL, "https://") {
			secure++
		}
	}
	if secure < len(images) {
		*issues = append(*issues, "images non HTTPS")
	}
	var base float64
	switch {
	case secure >= 3:
		base = 1
	case secure == 2:
		base = 0.75
	case secure == 1:
		base = 0.5
	}
	return base
}

func attributesScore(attrs map[string]string, issues *[]string) float64 {
	if len(attrs) == 0 {
		*issues = append(*issues, "aucun attribut")
		return 0
	}
	return math.Min(float64(len(attrs))/5, 1)
}

// seoScore rewards tags and a description that repeats the title's terms.
func seoScore(p domain.Product, issues *[]string) float64 {
	tags := math.Min(float64(len(p.Tags))/3, 1)

	var words, found int
	desc := strings.ToLower(p.Description)
	for _, w := range strings.Fields(strings.ToLower(p.Title)) {
		if utf8.RuneCountInString(w) <= 3 {
			continue
		}
		words++
		if strings.Contains(desc, w) {
			found++
		}
	}
	coverage := 0.0
	if words > 0 {
		coverage = float64(found) / float64(words)
	}
	score := 0.5*tags + 0.5*coverage
	if score < 0.3 {
		*issues = append(*issues, "référencement faible")
	}
	return score
}
