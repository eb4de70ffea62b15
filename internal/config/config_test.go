package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-ingest/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Tunables", func() {
	var (
		path     string
		contents string
		t        config.Tunables
		err      error
	)

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "tunables.yaml")
		contents = ""
	})

	JustBeforeEach(func() {
		if contents != "" {
			Expect(os.WriteFile(path, []byte(contents), 0644)).To(Succeed())
		}
		t, err = config.Load(path)
	})

	It("has valid defaults", func() {
		Expect(config.Defaults().Validate()).To(Succeed())
	})

	It("returns the defaults without a file", func() {
		t, err := config.Load("")
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(Equal(config.Defaults()))
	})

	When("the file overrides a few values", func() {
		BeforeEach(func() {
			contents = `
pipeline:
  ocr_concurrency: 4
  job_ceiling: 90s
ocr:
  attempt_timeout: 10s
confidence:
  vat_rates: [0, 0.2]
`
		})

		It("keeps the other defaults", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Pipeline.OCRConcurrency).To(Equal(4))
			Expect(t.Pipeline.JobCeiling).To(Equal(90 * time.Second))
			Expect(t.OCR.AttemptTimeout).To(Equal(10 * time.Second))
			Expect(t.OCR.RerunThreshold).To(Equal(0.65))
			Expect(t.Confidence.VATRates).To(Equal([]float64{0, 0.2}))
			Expect(t.Confidence.OCRWeight).To(Equal(0.40))
			Expect(t.Dedup).To(Equal(config.Defaults().Dedup))
		})
	})

	When("the bands are out of order", func() {
		BeforeEach(func() {
			contents = "confidence:\n  high_band: 0.5\n"
		})

		It("names the field", func() {
			Expect(err).To(MatchError(ContainSubstring("confidence.high_band failed gtfield=MediumBand")))
		})
	})

	When("the weights do not sum to one", func() {
		BeforeEach(func() {
			contents = "confidence:\n  ocr_weight: 0.5\n"
		})

		It("rejects the weights", func() {
			Expect(err).To(MatchError(ContainSubstring("confidence.ocr_weight failed weights_sum=1")))
		})
	})

	When("OCR would accept a page it reruns", func() {
		BeforeEach(func() {
			contents = "ocr:\n  accept_threshold: 0.9\n"
		})

		It("rejects the thresholds", func() {
			Expect(err).To(MatchError(ContainSubstring("ocr.accept_threshold failed ltefield=rerun_threshold")))
		})
	})

	When("a value is out of range", func() {
		BeforeEach(func() {
			contents = "pipeline:\n  ocr_concurrency: 0\n"
		})

		It("rejects it", func() {
			Expect(err).To(MatchError(ContainSubstring("pipeline.ocr_concurrency failed gte=1")))
		})
	})

	When("the file is not YAML", func() {
		BeforeEach(func() {
			contents = "pipeline: [unclosed"
		})

		It("returns a parse error", func() {
			Expect(err).To(MatchError(ContainSubstring("parsing tunables")))
		})
	})

	When("the file is missing", func() {
		It("returns a read error", func() {
			Expect(err).To(MatchError(ContainSubstring("reading tunables")))
		})
	})
})
