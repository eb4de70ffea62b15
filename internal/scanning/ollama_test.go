package scanning

import (
	"context"
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

func quoteJSON(s string) string {
	b, err := json.Marshal(s)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		engine *Ollama
		ts     *TokenSet
		err    error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		engine, err = NewOllama(server.URL(), "llava:1.6")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		ts, err = engine.Extract(context.Background(), []byte("png"), Options{Whitelist: "0123456789"})
	})

	When("the model returns tokens", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				ghttp.VerifyJSON(`{
					"model": "llava:1.6",
					"stream": false,
					"format": "json",
					"messages": [
						{"role": "system", "content": "You are an OCR engine. You transcribe every word in document images with its position and never invent text."},
						{"role": "user", "content": `+quoteJSON(tokenScanPrompt+"\n- Only these characters can appear: 0123456789")+`, "images": ["cG5n"]}
					]
				}`),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"done": true,
					"message": map[string]any{
						"role":    "assistant",
						"content": `{"width": 100, "height": 50, "tokens": [{"text": "42", "x": 1, "y": 2, "w": 3, "h": 4, "confidence": 0.6}]}`,
					},
				}),
			))
		})

		It("should parse the tokens", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(ts.Engine).To(Equal("ollama"))
			Expect(ts.Tokens).To(ConsistOf(Token{Text: "42", Box: Box{X: 1, Y: 2, W: 3, H: 4}, Confidence: 0.6}))
			Expect(ts.Width).To(Equal(100))
		})
	})

	When("the server returns an error", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "model loading"))
		})

		It("should return the status and body", func() {
			Expect(err).To(MatchError(ContainSubstring("status 503")))
			Expect(err).To(MatchError(ContainSubstring("model loading")))
		})
	})

	When("the model answers without JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"done":    true,
				"message": map[string]any{"role": "assistant", "content": "sorry"},
			}))
		})

		It("should fail to parse", func() {
			Expect(err).To(MatchError(ContainSubstring("parsing ollama tokens")))
		})
	})
})
