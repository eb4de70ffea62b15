package scanning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeEngine struct {
	name    string
	mu      sync.Mutex
	calls   []Options
	respond func(call int, ctx context.Context, opts Options) (*TokenSet, error)
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Extract(ctx context.Context, _ []byte, opts Options) (*TokenSet, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	return f.respond(call, ctx, opts)
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStorage() *memStorage { return &memStorage{data: map[string][]byte{}} }

func (m *memStorage) Save(key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return key, nil
}

func (m *memStorage) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("not found: %s", key)
	}
	return d, nil
}

func (m *memStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStorage) List(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func testPage() []byte {
	img := image.NewGray(image.Rect(0, 0, 60, 40))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for y := 10; y < 14; y++ {
		for x := 5; x < 55; x++ {
			img.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func result(conf float64) *TokenSet {
	return &TokenSet{
		Tokens:     []Token{{Text: "Total", Box: Box{X: 20, Y: 20, W: 40, H: 20}, Confidence: conf}},
		Confidence: conf,
		Text:       "Total",
	}
}

func always(conf float64) func(int, context.Context, Options) (*TokenSet, error) {
	return func(int, context.Context, Options) (*TokenSet, error) { return result(conf), nil }
}

var _ = Describe("Chain", func() {
	var (
		cfg       Config
		primary   *fakeEngine
		secondary *fakeEngine
		engines   []Engine
		artifacts *memStorage
		ts        *TokenSet
	)

	BeforeEach(func() {
		cfg = DefaultConfig()
		cfg.BackoffBase = time.Millisecond
		primary = &fakeEngine{name: "tesseract", respond: always(0.9)}
		secondary = &fakeEngine{name: "gemini", respond: always(0.7)}
		engines = []Engine{primary}
		artifacts = newMemStorage()
	})

	JustBeforeEach(func() {
		ts = NewChain(cfg, artifacts, engines...).Extract(context.Background(), "p1", testPage())
	})

	When("the primary engine reads the page well", func() {
		It("should accept the first attempt", func() {
			Expect(primary.callCount()).To(Equal(1))
			Expect(ts.Attempt).To(Equal(AttemptPrimary))
			Expect(ts.Penalty).To(Equal(0.0))
			Expect(ts.Confidence).To(Equal(0.9))
		})

		It("should fill in the page size", func() {
			Expect(ts.Width).To(Equal(60))
			Expect(ts.Height).To(Equal(40))
		})

		It("should dump the tokens", func() {
			Expect(artifacts.data).To(HaveKey("artifacts/p1/primary.json"))
		})
	})

	When("the enhanced rerun is better", func() {
		BeforeEach(func() {
			primary.respond = func(call int, _ context.Context, _ Options) (*TokenSet, error) {
				if call == 0 {
					return result(0.4), nil
				}
				return result(0.8), nil
			}
		})

		It("should pick the enhanced attempt with its penalty", func() {
			Expect(primary.callCount()).To(Equal(2))
			Expect(ts.Attempt).To(Equal(AttemptEnhanced))
			Expect(ts.Penalty).To(Equal(0.05))
			Expect(ts.Confidence).To(BeNumerically("~", 0.75, 1e-9))
		})

		It("should save the preprocessed image", func() {
			Expect(artifacts.data).To(HaveKey("artifacts/p1/enhanced.png"))
			Expect(artifacts.data).To(HaveKey("artifacts/p1/enhanced.json"))
		})
	})

	When("only the secondary engine reads the page well", func() {
		BeforeEach(func() {
			primary.respond = always(0.55)
			engines = []Engine{primary, secondary}
		})

		It("should fall back to the secondary engine", func() {
			Expect(secondary.callCount()).To(Equal(1))
			Expect(ts.Attempt).To(Equal(AttemptSecondary))
			Expect(ts.Engine).To(Equal("gemini"))
			Expect(ts.Confidence).To(BeNumerically("~", 0.6, 1e-9))
		})

		It("should not need the emergency pass", func() {
			Expect(primary.callCount()).To(Equal(2))
		})
	})

	When("everything reads poorly until the emergency pass", func() {
		BeforeEach(func() {
			primary.respond = func(call int, _ context.Context, opts Options) (*TokenSet, error) {
				if opts.Whitelist != "" {
					return result(0.9), nil
				}
				return result(0.3), nil
			}
		})

		It("should run the emergency pass with a restricted character set", func() {
			Expect(primary.callCount()).To(Equal(3))
			last := primary.calls[2]
			Expect(last.Whitelist).To(Equal(cfg.EmergencyWhitelist))
			Expect(last.PageSegMode).To(Equal(6))
			Expect(ts.Attempt).To(Equal(AttemptEmergency))
			Expect(ts.Confidence).To(BeNumerically("~", 0.7, 1e-9))
		})

		It("should map boxes back from the upscaled image", func() {
			Expect(ts.Tokens[0].Box).To(Equal(Box{X: 10, Y: 10, W: 20, H: 10}))
			Expect(ts.Width).To(Equal(60))
		})
	})

	When("the engine fails transiently", func() {
		BeforeEach(func() {
			primary.respond = func(call int, _ context.Context, _ Options) (*TokenSet, error) {
				if call < 2 {
					return nil, errors.New("connection reset by peer")
				}
				return result(0.9), nil
			}
		})

		It("should retry with backoff and succeed", func() {
			Expect(primary.callCount()).To(Equal(3))
			Expect(ts.Attempt).To(Equal(AttemptPrimary))
			Expect(ts.Reason).To(BeEmpty())
		})
	})

	When("the engine fails permanently", func() {
		BeforeEach(func() {
			primary.respond = func(int, context.Context, Options) (*TokenSet, error) {
				return nil, errors.New("unsupported image")
			}
		})

		It("should not retry each attempt", func() {
			Expect(primary.callCount()).To(Equal(3))
		})

		It("should return a zero confidence result with a reason", func() {
			Expect(ts.Confidence).To(Equal(0.0))
			Expect(ts.Attempt).To(Equal(AttemptNone))
			Expect(ts.Reason).To(ContainSubstring("all OCR attempts failed"))
			Expect(ts.Reason).To(ContainSubstring("primary (tesseract): unsupported image"))
		})
	})

	When("the engine hangs", func() {
		BeforeEach(func() {
			cfg.AttemptTimeout = 20 * time.Millisecond
			cfg.MaxRetries = 0
			primary.respond = func(_ int, ctx context.Context, _ Options) (*TokenSet, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
		})

		It("should give up at the attempt timeout", func() {
			Expect(ts.Attempt).To(Equal(AttemptNone))
			Expect(ts.Reason).To(ContainSubstring("deadline exceeded"))
		})
	})

	When("the engine panics", func() {
		BeforeEach(func() {
			primary.respond = func(int, context.Context, Options) (*TokenSet, error) {
				panic("boom")
			}
		})

		It("should recover and report it", func() {
			Expect(ts.Confidence).To(Equal(0.0))
			Expect(ts.Reason).To(ContainSubstring("panicked: boom"))
		})
	})

	When("no engine is configured", func() {
		BeforeEach(func() {
			engines = nil
		})

		It("should explain why", func() {
			Expect(ts.Reason).To(Equal("no OCR engine configured"))
		})
	})
})

var _ = Describe("IsTransient", func() {
	DescribeTable("classifies engine errors",
		func(err error, expected bool) {
			Expect(IsTransient(err)).To(Equal(expected))
		},
		Entry("nil", nil, false),
		Entry("deadline", fmt.Errorf("calling: %w", context.DeadlineExceeded), true),
		Entry("sentinel", fmt.Errorf("busy: %w", ErrTransient), true),
		Entry("rate limit", errors.New("429 Rate Limit exceeded"), true),
		Entry("temporary", errors.New("temporary failure in name resolution"), true),
		Entry("bad input", errors.New("invalid image"), false),
	)
})
