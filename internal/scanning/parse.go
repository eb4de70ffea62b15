package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// tokenScanPrompt is the shared prompt used by the vision model engines
const tokenScanPrompt = `You are an OCR engine reading a scanned business document (invoice, delivery note or receipt).
Read every word on the page exactly as printed. Do not correct spelling, do not compute or infer values.

Return ONLY valid JSON in this exact format:
{
  "width": 0,
  "height": 0,
  "tokens": [
    {"text": "word", "x": 0, "y": 0, "w": 0, "h": 0, "confidence": 0.0}
  ]
}

Important:
- One token per word, in reading order (top to bottom, left to right)
- x, y, w, h are the word's bounding box in pixels of the supplied image
- width and height are the image size in pixels
- confidence is your certainty in the word between 0 and 1
- Numbers must be copied exactly, including currency symbols and decimal points
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

type rawToken struct {
	Text       string   `json:"text"`
	X          int      `json:"x"`
	Y          int      `json:"y"`
	W          int      `json:"w"`
	H          int      `json:"h"`
	Confidence *float64 `json:"confidence"`
}

type rawTokens struct {
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Tokens []rawToken `json:"tokens"`
}

// parseTokensJSON parses a vision model's token response
func parseTokensJSON(text string) (*TokenSet, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var raw rawTokens
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	ts := &TokenSet{Width: raw.Width, Height: raw.Height}
	for _, r := range raw.Tokens {
		word := strings.TrimSpace(r.Text)
		if word == "" {
			continue
		}
		// Models that omit confidence get a neutral score
		conf := 0.5
		if r.Confidence != nil {
			conf = min(max(*r.Confidence, 0), 1)
		}
		ts.Tokens = append(ts.Tokens, Token{
			Text:       word,
			Box:        Box{X: max(r.X, 0), Y: max(r.Y, 0), W: max(r.W, 0), H: max(r.H, 0)},
			Confidence: conf,
		})
	}
	ts.Confidence = meanConfidence(ts.Tokens)
	ts.Text = joinLines(ts.Tokens)
	return ts, nil
}
