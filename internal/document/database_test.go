package document

import (
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("files", func() {
		var file *File

		BeforeEach(func() {
			file = &File{
				ID:         "f1",
				Name:       "scan.pdf",
				Hash:       "abc123",
				Status:     StatusQueued,
				UploadedAt: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			}
			Expect(db.SaveFile(file)).To(Succeed())
		})

		It("round-trips a file by id", func() {
			saved, err := db.GetFile("f1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Name).To(Equal("scan.pdf"))
		})

		It("finds the file by content hash", func() {
			found, err := db.FindFileByHash("abc123")
			Expect(err).NotTo(HaveOccurred())
			Expect(found.ID).To(Equal("f1"))
		})

		When("a later duplicate is saved", func() {
			BeforeEach(func() {
				Expect(db.SaveFile(&File{ID: "f2", Hash: "abc123", DuplicateOf: "f1"})).To(Succeed())
			})

			It("keeps the hash pointing at the first file", func() {
				found, err := db.FindFileByHash("abc123")
				Expect(err).NotTo(HaveOccurred())
				Expect(found.ID).To(Equal("f1"))
			})
		})

		It("returns ErrNotFound for an unknown hash", func() {
			_, err := db.FindFileByHash("zzz")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("ListPages", func() {
		BeforeEach(func() {
			Expect(db.SavePages([]*Page{
				{ID: "p3", FileID: "f1", Index: 2},
				{ID: "p1", FileID: "f1", Index: 0},
				{ID: "px", FileID: "f2", Index: 0},
				{ID: "p2", FileID: "f1", Index: 1},
			})).To(Succeed())
		})

		It("returns only the file's pages in index order", func() {
			pages, err := db.ListPages("f1")
			Expect(err).NotTo(HaveOccurred())
			ids := []string{}
			for _, p := range pages {
				ids = append(ids, p.ID)
			}
			Expect(ids).To(Equal([]string{"p1", "p2", "p3"}))
		})
	})

	Describe("memberships", func() {
		BeforeEach(func() {
			Expect(db.SaveMemberships([]Membership{
				{MemberID: "p1", GroupID: "dup1", Kind: GroupDuplicate},
				{MemberID: "p2", GroupID: "dup1", Kind: GroupDuplicate},
				{MemberID: "p1", GroupID: "dup10", Kind: GroupDuplicate},
				{MemberID: "s1", GroupID: "st1", Kind: GroupStitch},
			})).To(Succeed())
		})

		It("lists the members of one group without prefix bleed", func() {
			members, err := db.ListMembers("dup1")
			Expect(err).NotTo(HaveOccurred())
			Expect(members).To(HaveLen(2))
		})

		It("lists the groups of one member", func() {
			groups, err := db.ListGroupsOf("p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(2))
		})
	})

	Describe("canonical records", func() {
		var record *Canonical

		BeforeEach(func() {
			total := decimal.RequireFromString("1504.32")
			record = &Canonical{
				ID:      "c1",
				DocType: TypeInvoice,
				Total:   &total,
				Status:  StatusProcessing,
				Version: 1,
			}
			Expect(db.CreateCanonical(record)).To(Succeed())
		})

		It("refuses to create the same id twice", func() {
			Expect(db.CreateCanonical(record)).To(MatchError(ErrConflict))
		})

		It("keeps decimal totals intact", func() {
			saved, err := db.GetCanonical("c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Total.StringFixed(2)).To(Equal("1504.32"))
		})

		When("updating at the current version", func() {
			It("applies the mutation", func() {
				updated, err := db.UpdateCanonical("c1", 1, func(c *Canonical) error {
					return c.Transition(StatusReady, "", false)
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(updated.Status).To(Equal(StatusReady))
				Expect(updated.Version).To(Equal(2))
			})
		})

		When("updating at a stale version", func() {
			It("returns ErrConflict and leaves the record alone", func() {
				_, err := db.UpdateCanonical("c1", 0, func(c *Canonical) error {
					c.Supplier = "LATE"
					return nil
				})
				Expect(errors.Is(err, ErrConflict)).To(BeTrue())
				saved, _ := db.GetCanonical("c1")
				Expect(saved.Supplier).To(BeEmpty())
			})
		})

		When("the mutation fails", func() {
			It("does not write", func() {
				_, err := db.UpdateCanonical("c1", 1, func(c *Canonical) error {
					c.Supplier = "X"
					return errors.New("boom")
				})
				Expect(err).To(MatchError("boom"))
				saved, _ := db.GetCanonical("c1")
				Expect(saved.Supplier).To(BeEmpty())
			})
		})
	})
})
