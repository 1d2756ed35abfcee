package record

import (
	"encoding/json"
	"regexp"
	"strings"
)

// payload mirrors the JSON contract the analysis prompt asks backends for.
type payload struct {
	Description          string    `json:"description"`
	PrimaryTask          string    `json:"primary_task"`
	Tags                 []string  `json:"tags"`
	Confidence           *float64  `json:"confidence"`
	ObservedFiles        []string  `json:"observed_files"`
	ObservedRepositories []string  `json:"observed_repositories"`
	ObservedURLs         []string  `json:"observed_urls"`
}

var embeddedObject = regexp.MustCompile(`\{[\s\S]*\}`)

// ParsePayload derives structured analysis fields from a raw backend
// response. Models wrap JSON in code fences or prose more often than not, so
// parsing is best-effort: fences are stripped, then the first embedded JSON
// object is salvaged, and if nothing parses the raw text becomes the summary.
func ParsePayload(captureID, backend, raw string) AnalysisResult {
	result := AnalysisResult{
		CaptureID:   captureID,
		Backend:     backend,
		RawResponse: raw,
		Confidence:  0.6,
	}

	var p payload
	if !decodePayload(raw, &p) {
		result.Summary = strings.TrimSpace(raw)
		result.PrimaryTask = "Unclassified"
		return result
	}

	result.Summary = strings.TrimSpace(p.Description)
	if result.Summary == "" {
		result.Summary = strings.TrimSpace(raw)
	}
	result.PrimaryTask = strings.TrimSpace(p.PrimaryTask)
	if result.PrimaryTask == "" {
		result.PrimaryTask = "Unclassified"
	}
	if p.Confidence != nil {
		result.Confidence = *p.Confidence
	}
	result.Tags = cleanStrings(p.Tags)
	result.Files = cleanStrings(p.ObservedFiles)
	result.Repositories = cleanStrings(p.ObservedRepositories)
	result.URLs = cleanStrings(p.ObservedURLs)
	return result
}

func decodePayload(raw string, p *payload) bool {
	cleaned := stripFences(raw)
	if json.Unmarshal([]byte(cleaned), p) == nil {
		return true
	}
	// Salvage the first JSON object buried in surrounding prose.
	if match := embeddedObject.FindString(cleaned); match != "" {
		if json.Unmarshal([]byte(match), p) == nil {
			return true
		}
	}
	return false
}

// stripFences removes a leading ```json ... ``` wrapper if present.
func stripFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	if _, rest, ok := strings.Cut(cleaned, "\n"); ok {
		cleaned = rest
	}
	if body, _, ok := strings.Cut(cleaned, "```"); ok {
		cleaned = body
	}
	return strings.TrimSpace(cleaned)
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
