package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-ingest/internal/document"
	"github.com/zombor/invoice-ingest/internal/scanning"
)

func TestPipeline(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Pipeline Suite")
}

// sequentialIDs generates predictable IDs
type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (g *sequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n)
}

// fakeClock only moves when told to
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExtractor returns canned token sets keyed by page image
type fakeExtractor struct {
	mu       sync.Mutex
	results  map[string]*scanning.TokenSet
	fallback *scanning.TokenSet
	calls    map[string]int
	total    int
	gate     chan struct{}
	delay    time.Duration
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{results: map[string]*scanning.TokenSet{}, calls: map[string]int{}}
}

func (f *fakeExtractor) set(png []byte, ts *scanning.TokenSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[string(png)] = ts
}

// hold makes every Extract call wait until release
func (f *fakeExtractor) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeExtractor) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

func (f *fakeExtractor) callsFor(png []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[string(png)]
}

func (f *fakeExtractor) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeExtractor) Extract(ctx context.Context, pageID string, png []byte) *scanning.TokenSet {
	f.mu.Lock()
	f.calls[string(png)]++
	f.total++
	gate, delay := f.gate, f.delay
	ts, ok := f.results[string(png)]
	if !ok {
		ts = f.fallback
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if ts == nil {
		return &scanning.TokenSet{Attempt: scanning.AttemptNone, Reason: "all OCR engines failed"}
	}
	out := *ts
	return &out
}

// pagePNG draws a distinct page layout for each variant
func pagePNG(variant int) []byte {
	img := image.NewGray(image.Rect(0, 0, 600, 800))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	black := &image.Uniform{color.Black}

	var blocks []image.Rectangle
	if variant%2 == 0 {
		blocks = []image.Rectangle{
			image.Rect(40, 20, 300, 50),
			image.Rect(40, 200, 300, 600),
			image.Rect(40, 740, 200, 770),
		}
	} else {
		blocks = []image.Rectangle{
			image.Rect(320, 20, 560, 50),
			image.Rect(300, 200, 560, 600),
			image.Rect(400, 740, 560, 770),
		}
	}
	// a band that moves with the variant keeps the encoded bytes apart
	y := 100 + 10*variant
	blocks = append(blocks, image.Rect(40, y, 560, y+8))
	for _, b := range blocks {
		draw.Draw(img, b, black, image.Point{}, draw.Src)
	}

	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func tok(text string, x, y, w int) scanning.Token {
	return scanning.Token{Text: text, Box: scanning.Box{X: x, Y: y, W: w, H: 20}, Confidence: 0.95}
}

func invoicePageOne() *scanning.TokenSet {
	return &scanning.TokenSet{
		Width:      1000,
		Height:     1400,
		Confidence: 0.95,
		Engine:     "tesseract",
		Attempt:    scanning.AttemptPrimary,
		Text: "ACME FOODS LTD\n" +
			"Invoice No INV-1001 Date 15/01/2024\n" +
			"Qty Description Unit Price Total\n" +
			"60 Tomatoes 10.60 636.00\n" +
			"50 Red Onions 9.85 492.50\n" +
			"Page 1 of 2",
		Tokens: []scanning.Token{
			tok("ACME", 50, 100, 80), tok("FOODS", 140, 100, 90), tok("LTD", 240, 100, 50),
			tok("Invoice", 50, 150, 90), tok("No", 150, 150, 30), tok("INV-1001", 190, 150, 110),
			tok("Date", 600, 150, 60), tok("15/01/2024", 670, 150, 130),
			tok("Qty", 50, 300, 40), tok("Description", 150, 300, 150), tok("Unit", 600, 300, 50), tok("Price", 655, 300, 60), tok("Total", 850, 300, 60),
			tok("60", 60, 360, 30), tok("Tomatoes", 150, 360, 120), tok("10.60", 610, 360, 70), tok("636.00", 850, 360, 80),
			tok("50", 60, 440, 30), tok("Red", 150, 440, 50), tok("Onions", 210, 440, 90), tok("9.85", 620, 440, 60), tok("492.50", 850, 440, 80),
			tok("Page", 450, 1300, 50), tok("1", 505, 1300, 10), tok("of", 520, 1300, 20), tok("2", 545, 1300, 10),
		},
	}
}

func invoicePageTwo() *scanning.TokenSet {
	return &scanning.TokenSet{
		Width:      1000,
		Height:     1400,
		Confidence: 0.95,
		Engine:     "tesseract",
		Attempt:    scanning.AttemptPrimary,
		Text: "Subtotal 1253.60\n" +
			"VAT 20% 250.72\n" +
			"Total £1504.32\n" +
			"Page 2 of 2",
		Tokens: []scanning.Token{
			tok("Subtotal", 600, 200, 100), tok("1253.60", 850, 200, 90),
			tok("VAT", 600, 250, 50), tok("20%", 660, 250, 40), tok("250.72", 850, 250, 80),
			tok("Total", 600, 300, 60), tok("£1504.32", 850, 300, 100),
			tok("Page", 450, 1300, 50), tok("2", 505, 1300, 10), tok("of", 520, 1300, 20), tok("2", 545, 1300, 10),
		},
	}
}

var _ = Describe("Service", func() {
	var (
		db        *document.BoltDB
		storage   *document.LocalStorage
		extractor *fakeExtractor
		clock     *fakeClock
		counters  *Counters
		cfg       Config
		service   *Service
		ctx       context.Context
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		var err error
		db, err = document.NewBoltDB(filepath.Join(dir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		storage, err = document.NewLocalStorage(filepath.Join(dir, "storage"))
		Expect(err).NotTo(HaveOccurred())

		extractor = newFakeExtractor()
		clock = &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
		counters = NewCounters()
		cfg = DefaultConfig()
		cfg.BatchWindow = 0
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(db, storage, extractor, cfg, DefaultStages(), &sequentialIDs{}, clock, counters)
	})

	AfterEach(func() {
		extractor.release()
		service.Close()
		Expect(db.Close()).To(Succeed())
	})

	documents := func() []*document.Canonical {
		docs, err := service.ListDocuments()
		Expect(err).NotTo(HaveOccurred())
		return docs
	}

	fileStatus := func(id string) func() document.Status {
		return func() document.Status {
			f, err := service.GetFile(id)
			Expect(err).NotTo(HaveOccurred())
			return f.Status
		}
	}

	When("a two page invoice is uploaded", func() {
		var job Job

		BeforeEach(func() {
			extractor.set(pagePNG(0), invoicePageOne())
			extractor.set(pagePNG(1), invoicePageTwo())
		})

		JustBeforeEach(func() {
			var err error
			job, err = service.Submit(ctx, Upload{Name: "scan 001 (copy).pdf", Pages: [][]byte{pagePNG(0), pagePNG(1)}})
			Expect(err).NotTo(HaveOccurred())
			service.Wait()
		})

		It("should return a queued job handle", func() {
			Expect(job.FileID).NotTo(BeEmpty())
			Expect(job.BatchID).NotTo(BeEmpty())
			Expect(job.Status).To(Equal(document.StatusQueued))
			Expect(job.Pages).To(Equal(2))
		})

		It("should sanitize the stored name", func() {
			f, err := service.GetFile(job.FileID)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Name).To(Equal("scan 001 copy.pdf"))
		})

		It("should build one reconciled document", func() {
			docs := documents()
			Expect(docs).To(HaveLen(1))
			c := docs[0]
			Expect(c.Status).To(Equal(document.StatusReady))
			Expect(c.Supplier).To(Equal("ACME FOODS LTD"))
			Expect(c.Total.StringFixed(2)).To(Equal("1504.32"))
			Expect(c.Breakdown.Band).To(Equal("high"))
			Expect(c.SourcePageIDs).To(HaveLen(2))
			Expect(c.Version).To(Equal(2))
		})

		It("should mark the file and its segment ready", func() {
			Expect(fileStatus(job.FileID)()).To(Equal(document.StatusReady))
			segs, err := db.ListSegments()
			Expect(err).NotTo(HaveOccurred())
			Expect(segs).To(HaveLen(1))
			Expect(segs[0].Status).To(Equal(document.StatusReady))
			Expect(segs[0].StitchGroupID).NotTo(BeEmpty())
		})

		It("should keep the page text and fingerprints", func() {
			pages, err := db.ListPages(job.FileID)
			Expect(err).NotTo(HaveOccurred())
			Expect(pages).To(HaveLen(2))
			Expect(pages[0].Fingerprinted()).To(BeTrue())
			Expect(pages[0].Width).To(Equal(600))
			Expect(pages[1].Text).To(ContainSubstring("Total £1504.32"))
			Expect(pages[1].OCRAttempt).To(Equal(scanning.AttemptPrimary))
		})

		It("should count the processed document", func() {
			Expect(counters.ProcessedCount()).To(Equal(int64(1)))
			Expect(counters.Errors()).To(BeZero())
			Expect(counters.Inflight()).To(BeZero())
			Expect(counters.QueueDepth()).To(BeZero())
		})

		It("should serve the page image as an artifact", func() {
			data, err := service.Artifact(PageKey(job.FileID, 1))
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(pagePNG(1)))
		})

		When("the same file is uploaded again", func() {
			It("should resolve to the first file", func() {
				dup, err := service.Submit(ctx, Upload{Name: "again.pdf", Pages: [][]byte{pagePNG(0), pagePNG(1)}})
				Expect(err).NotTo(HaveOccurred())
				Expect(dup.DuplicateOf).To(Equal(job.FileID))
				Expect(dup.Status).To(Equal(document.StatusReady))
				service.Wait()

				Expect(documents()).To(HaveLen(1))
				f, err := service.GetFile(dup.FileID)
				Expect(err).NotTo(HaveOccurred())
				Expect(f.Status).To(Equal(document.StatusReady))
				Expect(f.PageIDs).To(HaveLen(2))
			})
		})

		Describe("Retry", func() {
			var docID string

			JustBeforeEach(func() {
				docID = documents()[0].ID
			})

			It("should rebuild the document from its stored pages", func() {
				c, err := service.Retry(ctx, docID)
				Expect(err).NotTo(HaveOccurred())
				Expect(c.Status).To(Equal(document.StatusProcessing))
				Expect(c.Version).To(Equal(3))
				service.Wait()

				c, err = service.GetDocument(docID)
				Expect(err).NotTo(HaveOccurred())
				Expect(c.Status).To(Equal(document.StatusReady))
				Expect(c.Version).To(Equal(4))
				Expect(c.Total.StringFixed(2)).To(Equal("1504.32"))
				Expect(extractor.callsFor(pagePNG(0))).To(Equal(2))
			})

			It("should reject a second retry while the first is running", func() {
				extractor.hold()
				_, err := service.Retry(ctx, docID)
				Expect(err).NotTo(HaveOccurred())

				_, err = service.Retry(ctx, docID)
				Expect(err).To(MatchError(ErrConflict))

				extractor.release()
				service.Wait()
				c, err := service.GetDocument(docID)
				Expect(err).NotTo(HaveOccurred())
				Expect(c.Status).To(Equal(document.StatusReady))
			})

			It("should return not found for an unknown document", func() {
				_, err := service.Retry(ctx, "missing")
				Expect(err).To(MatchError(ErrNotFound))
			})

			When("the watchdog fails the retry before it finishes", func() {
				It("should discard the late result", func() {
					extractor.hold()
					_, err := service.Retry(ctx, docID)
					Expect(err).NotTo(HaveOccurred())

					clock.Advance(cfg.JobCeiling + time.Second)
					Expect(service.Sweep()).To(Equal(1))

					extractor.release()
					service.Wait()

					c, err := service.GetDocument(docID)
					Expect(err).NotTo(HaveOccurred())
					Expect(c.Status).To(Equal(document.StatusError))
					Expect(c.StatusReason).To(Equal("timeout: processing exceeded 1m0s"))
					Expect(c.Version).To(Equal(4))

					segs, err := db.ListSegments()
					Expect(err).NotTo(HaveOccurred())
					Expect(segs[0].Status).To(Equal(document.StatusError))
				})
			})
		})
	})

	When("page 2 is a double scan of page 1", func() {
		var job Job

		BeforeEach(func() {
			extractor.set(pagePNG(0), invoicePageOne())
			extractor.set(pagePNG(1), invoicePageTwo())
		})

		JustBeforeEach(func() {
			var err error
			job, err = service.Submit(ctx, Upload{Name: "scan.pdf", Pages: [][]byte{pagePNG(0), pagePNG(0), pagePNG(1)}})
			Expect(err).NotTo(HaveOccurred())
			service.Wait()
		})

		It("should read the duplicated page once", func() {
			Expect(extractor.callsFor(pagePNG(0))).To(Equal(1))
			Expect(extractor.callsFor(pagePNG(1))).To(Equal(1))
		})

		It("should record a duplicate group for pages 1 and 2", func() {
			pages, err := db.ListPages(job.FileID)
			Expect(err).NotTo(HaveOccurred())

			groups, err := db.ListGroups(document.GroupDuplicate)
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(1))
			Expect(groups[0].MemberIDs).To(ConsistOf(pages[0].ID, pages[1].ID))
			Expect(groups[0].Representative).To(Equal(pages[0].ID))
			Expect(groups[0].Rationale).NotTo(BeEmpty())

			Expect(pages[1].OCRReason).To(Equal("duplicate of page " + pages[0].ID))
			Expect(pages[1].Text).To(Equal(pages[0].Text))
		})

		It("should leave the duplicate out of the document", func() {
			pages, err := db.ListPages(job.FileID)
			Expect(err).NotTo(HaveOccurred())
			docs := documents()
			Expect(docs).To(HaveLen(1))
			Expect(docs[0].SourcePageIDs).To(Equal([]string{pages[0].ID, pages[2].ID}))
			Expect(docs[0].Status).To(Equal(document.StatusReady))
		})

		It("should store the dedup rationale as an artifact", func() {
			groups, err := db.ListGroups(document.GroupDuplicate)
			Expect(err).NotTo(HaveOccurred())
			data, err := service.Artifact(GroupArtifactKey(groups[0].ID))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(groups[0].Rationale))
		})
	})

	When("more files arrive than OCR slots", func() {
		var jobs []Job

		BeforeEach(func() {
			cfg.OCRConcurrency = 2
			extractor.delay = 20 * time.Millisecond
		})

		JustBeforeEach(func() {
			jobs = nil
			for i := 0; i < 6; i++ {
				job, err := service.Submit(ctx, Upload{Name: fmt.Sprintf("f%d.png", i), Pages: [][]byte{pagePNG(i)}})
				Expect(err).NotTo(HaveOccurred())
				jobs = append(jobs, job)
			}
			service.Wait()
		})

		It("should never run more OCR tasks than the limit", func() {
			Expect(counters.MaxInflight()).To(BeNumerically(">=", 1))
			Expect(counters.MaxInflight()).To(BeNumerically("<=", 2))
			Expect(extractor.totalCalls()).To(Equal(6))
		})

		It("should bring every file to a terminal state", func() {
			for _, job := range jobs {
				Expect(fileStatus(job.FileID)().Terminal()).To(BeTrue())
			}
			Expect(counters.Inflight()).To(BeZero())
			Expect(counters.QueueDepth()).To(BeZero())
		})

		It("should route unreadable pages to error", func() {
			for _, c := range documents() {
				Expect(c.Status).To(Equal(document.StatusError))
				Expect(c.StatusReason).To(Equal("no text extracted"))
			}
			Expect(fileStatus(jobs[0].FileID)()).To(Equal(document.StatusError))
		})
	})

	When("files are submitted as a batch", func() {
		var jobs []Job

		BeforeEach(func() {
			extractor.set(pagePNG(0), invoicePageOne())
			extractor.set(pagePNG(1), invoicePageTwo())
		})

		JustBeforeEach(func() {
			var err error
			jobs, err = service.SubmitBatch(ctx, []Upload{
				{Name: "a.png", Pages: [][]byte{pagePNG(0), pagePNG(1)}},
				{Name: "b.png", Pages: [][]byte{pagePNG(0)}},
				{Name: "broken.png", ContentType: "image/png", Data: []byte("not an image")},
			})
			Expect(err).NotTo(HaveOccurred())
			service.Wait()
		})

		It("should share one batch id", func() {
			Expect(jobs).To(HaveLen(3))
			Expect(jobs[0].BatchID).NotTo(BeEmpty())
			Expect(jobs[1].BatchID).To(Equal(jobs[0].BatchID))
		})

		It("should dedup pages across the files", func() {
			Expect(extractor.callsFor(pagePNG(0))).To(Equal(1))
			groups, err := db.ListGroups(document.GroupDuplicate)
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(1))
		})

		It("should finish the file whose only page was a duplicate", func() {
			f, err := service.GetFile(jobs[1].FileID)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Status).To(Equal(document.StatusReady))
			Expect(f.Reason).To(Equal("all pages duplicate pages of other files"))
		})

		It("should reject the unreadable upload without stopping the rest", func() {
			Expect(jobs[2].Status).To(Equal(document.StatusError))
			Expect(jobs[2].Error).To(ContainSubstring("could not read file"))
			Expect(jobs[2].BatchID).To(BeEmpty())
			Expect(fileStatus(jobs[0].FileID)()).To(Equal(document.StatusReady))
		})
	})

	When("an upload cannot be read", func() {
		It("should fail the file with a structural error", func() {
			job, err := service.Submit(ctx, Upload{Name: "x.png", ContentType: "image/png", Data: []byte("not an image")})
			Expect(err).To(MatchError(ErrStructural))
			Expect(job.Status).To(Equal(document.StatusError))
			Expect(fileStatus(job.FileID)()).To(Equal(document.StatusError))
			Expect(counters.Errors()).To(Equal(int64(1)))
		})
	})

	When("OCR hangs past the job ceiling", func() {
		It("should force-fail the file", func() {
			extractor.hold()
			job, err := service.Submit(ctx, Upload{Name: "slow.png", Pages: [][]byte{pagePNG(0)}})
			Expect(err).NotTo(HaveOccurred())
			Eventually(fileStatus(job.FileID)).Should(Equal(document.StatusProcessing))

			clock.Advance(cfg.JobCeiling - time.Second)
			Expect(service.Sweep()).To(BeZero())

			clock.Advance(2 * time.Second)
			Expect(service.Sweep()).To(Equal(1))

			f, err := service.GetFile(job.FileID)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Status).To(Equal(document.StatusError))
			Expect(f.Reason).To(Equal("timeout: processing exceeded 1m0s"))

			extractor.release()
			service.Wait()
			Expect(fileStatus(job.FileID)()).To(Equal(document.StatusError))
		})
	})

	When("a file sits queued past the job ceiling", func() {
		BeforeEach(func() {
			cfg.BatchWindow = time.Hour
		})

		It("should fail it and skip it when the batch finally runs", func() {
			job, err := service.Submit(ctx, Upload{Name: "stuck.png", Pages: [][]byte{pagePNG(0)}})
			Expect(err).NotTo(HaveOccurred())
			Expect(fileStatus(job.FileID)()).To(Equal(document.StatusQueued))

			clock.Advance(cfg.JobCeiling - time.Second)
			Expect(service.Sweep()).To(BeZero())

			clock.Advance(2 * time.Second)
			Expect(service.Sweep()).To(Equal(1))
			f, err := service.GetFile(job.FileID)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Status).To(Equal(document.StatusError))
			Expect(f.Reason).To(Equal("timeout: queued longer than 1m0s"))

			service.Flush()
			service.Wait()
			Expect(fileStatus(job.FileID)()).To(Equal(document.StatusError))
			Expect(extractor.totalCalls()).To(BeZero())
		})
	})

	When("submissions fall inside the batch window", func() {
		BeforeEach(func() {
			cfg.BatchWindow = time.Hour
		})

		It("should hold them until the batch is flushed", func() {
			first, err := service.Submit(ctx, Upload{Name: "a.png", Pages: [][]byte{pagePNG(0)}})
			Expect(err).NotTo(HaveOccurred())
			second, err := service.Submit(ctx, Upload{Name: "b.png", Pages: [][]byte{pagePNG(1)}})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.BatchID).To(Equal(first.BatchID))
			Expect(fileStatus(first.FileID)()).To(Equal(document.StatusQueued))

			service.Flush()
			service.Wait()
			Expect(fileStatus(first.FileID)().Terminal()).To(BeTrue())
			Expect(fileStatus(second.FileID)().Terminal()).To(BeTrue())
		})
	})
})

var _ = Describe("sanitizeFilename", func() {
	It("should strip special characters", func() {
		Expect(sanitizeFilename("IMG_2024 (1)!.JPG")).To(Equal("IMG_2024 1.jpg"))
	})

	It("should truncate long names", func() {
		name := sanitizeFilename("a very long phone generated file name that keeps going and going.pdf")
		Expect(len(name)).To(Equal(54))
	})

	It("should fall back to a default", func() {
		Expect(sanitizeFilename("???.png")).To(Equal("document.png"))
	})
})
