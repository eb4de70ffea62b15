package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Rasterize", func() {
	var (
		data        []byte
		contentType string
		pages       [][]byte
		err         error
	)

	JustBeforeEach(func() {
		pages, err = Rasterize(data, contentType)
	})

	When("given a JPEG photo", func() {
		BeforeEach(func() {
			img := image.NewRGBA(image.Rect(0, 0, 30, 20))
			for i := range img.Pix {
				img.Pix[i] = 200
			}
			var buf bytes.Buffer
			Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())
			data = buf.Bytes()
			contentType = "image/jpeg"
		})

		It("should produce one PNG page", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(pages).To(HaveLen(1))
			w, h := imageSize(pages[0])
			Expect(w).To(Equal(30))
			Expect(h).To(Equal(20))
		})
	})

	When("given nothing", func() {
		BeforeEach(func() {
			data = nil
			contentType = "image/png"
		})

		It("should report no pages", func() {
			Expect(err).To(MatchError(ErrNoPages))
		})
	})

	When("given bytes that are not an image", func() {
		BeforeEach(func() {
			data = []byte("definitely not an image")
			contentType = "image/png"
		})

		It("should explain the supported formats", func() {
			Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
		})
	})
})

var _ = Describe("isHEICFormat", func() {
	It("should recognise the ftyp brand", func() {
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypheic0000"))).To(BeTrue())
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypmp42"))).To(BeFalse())
		Expect(isHEICFormat([]byte("short"))).To(BeFalse())
	})
})

var _ = Describe("Preprocess", func() {
	var page []byte

	BeforeEach(func() {
		page = testPage()
	})

	It("should keep the page size when enhancing", func() {
		out, err := Preprocess(page, ModeEnhanced)
		Expect(err).NotTo(HaveOccurred())
		w, h := imageSize(out)
		Expect(w).To(Equal(60))
		Expect(h).To(Equal(40))
	})

	It("should double the page size in aggressive mode", func() {
		out, err := Preprocess(page, ModeAggressive)
		Expect(err).NotTo(HaveOccurred())
		w, _ := imageSize(out)
		Expect(w).To(Equal(120))
	})

	It("should binarize", func() {
		out, err := Preprocess(page, ModeEnhanced)
		Expect(err).NotTo(HaveOccurred())
		img, _, err := image.Decode(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
		b := img.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				g := color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
				Expect(g == 0 || g == 255).To(BeTrue())
			}
		}
	})

	It("should reject data that is not an image", func() {
		_, err := Preprocess([]byte("nope"), ModeEnhanced)
		Expect(err).To(HaveOccurred())
	})
})
