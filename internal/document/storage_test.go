package document

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			key      string
			savedKey string
			err      error
		)

		BeforeEach(func() {
			key = "pages/f1/0.png"
		})

		JustBeforeEach(func() {
			savedKey, err = storage.Save(key, []byte("png bytes"))
		})

		When("the key has nested directories", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the key", func() {
				Expect(savedKey).To(Equal(key))
			})

			It("should create the file on disk", func() {
				Expect(filepath.Join(tmpDir, "pages", "f1", "0.png")).To(BeAnExistingFile())
			})
		})

		When("the key escapes the root", func() {
			BeforeEach(func() {
				key = "../outside.png"
			})

			It("returns ErrBadKey", func() {
				Expect(err).To(MatchError(ErrBadKey))
			})
		})
	})

	Describe("Get", func() {
		var (
			data []byte
			err  error
		)

		When("the key exists", func() {
			BeforeEach(func() {
				_, saveErr := storage.Save("artifacts/p1/primary.json", []byte(`{"tokens":[]}`))
				Expect(saveErr).NotTo(HaveOccurred())
				data, err = storage.Get("artifacts/p1/primary.json")
			})

			It("returns the stored bytes", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal(`{"tokens":[]}`))
			})
		})

		When("the key does not exist", func() {
			BeforeEach(func() {
				data, err = storage.Get("missing")
			})

			It("returns an error", func() {
				Expect(err).To(HaveOccurred())
				Expect(data).To(BeNil())
			})
		})
	})

	Describe("Delete", func() {
		It("removes the file", func() {
			_, err := storage.Save("a.txt", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.Delete("a.txt")).To(Succeed())
			Expect(filepath.Join(tmpDir, "a.txt")).NotTo(BeAnExistingFile())
		})

		It("fails for a missing file", func() {
			Expect(storage.Delete("nope.txt")).NotTo(Succeed())
		})
	})

	Describe("List", func() {
		BeforeEach(func() {
			for _, k := range []string{"artifacts/p2/primary.png", "artifacts/p1/enhanced.json", "artifacts/p1/primary.json", "pages/x.png"} {
				_, err := storage.Save(k, []byte("x"))
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("returns sorted keys under the prefix", func() {
			keys, err := storage.List("artifacts/p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(Equal([]string{"artifacts/p1/enhanced.json", "artifacts/p1/primary.json"}))
		})

		It("returns nothing for an unknown prefix", func() {
			keys, err := storage.List("artifacts/none")
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(BeEmpty())
		})
	})
})
