package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-ingest/internal/canonical"
	"github.com/zombor/invoice-ingest/internal/document"
)

var _ = Describe("Server", func() {
	var (
		db          *document.BoltDB
		extractor   *fakeExtractor
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "DELETE"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	}

	upload := func(name string, files ...[]byte) *http.Response {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		for _, data := range files {
			part, err := writer.CreateFormFile("file", name)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(data)
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghttpServer.URL()+"/api/files", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(data, v)).To(Succeed())
	}

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		var err error
		db, err = document.NewBoltDB(filepath.Join(dir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		storage, err := document.NewLocalStorage(filepath.Join(dir, "storage"))
		Expect(err).NotTo(HaveOccurred())

		extractor = newFakeExtractor()
		extractor.fallback = invoicePageOne()
		clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
		cfg := DefaultConfig()
		cfg.BatchWindow = 0
		service = NewServiceWithDeps(db, storage, extractor, cfg, DefaultStages(), &sequentialIDs{}, clock, NewCounters())
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
		extractor.release()
		service.Close()
		Expect(db.Close()).To(Succeed())
	})

	Describe("handleUpload", func() {
		When("a page image is uploaded", func() {
			It("should accept it with a job handle", func() {
				resp := upload("invoice.png", pagePNG(0))
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var job Job
				decode(resp, &job)
				Expect(job.FileID).NotTo(BeEmpty())
				Expect(job.Pages).To(Equal(1))
				Expect(job.Status).To(Equal(document.StatusQueued))
			})
		})

		When("several files are uploaded together", func() {
			It("should return one job per file in the same batch", func() {
				resp := upload("page.png", pagePNG(0), pagePNG(1))
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				var jobs []Job
				decode(resp, &jobs)
				Expect(jobs).To(HaveLen(2))
				Expect(jobs[0].BatchID).To(Equal(jobs[1].BatchID))
			})
		})

		When("the file cannot be read", func() {
			It("should return unprocessable entity with the reason", func() {
				resp := upload("broken.png", []byte("not an image"))
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))

				var job Job
				decode(resp, &job)
				Expect(job.Status).To(Equal(document.StatusError))
				Expect(job.Error).To(ContainSubstring("could not read file"))
			})
		})

		When("no file is provided", func() {
			It("should return bad request", func() {
				body := &bytes.Buffer{}
				writer := multipart.NewWriter(body)
				Expect(writer.WriteField("note", "nothing")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp, err := http.Post(ghttpServer.URL()+"/api/files", writer.FormDataContentType(), body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var msg map[string]string
				decode(resp, &msg)
				Expect(msg["error"]).To(ContainSubstring("No file"))
			})
		})

		When("the body is not multipart", func() {
			It("should return bad request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/files", "text/plain", bytes.NewBufferString("hi"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})
	})

	When("a file has been processed", func() {
		var job Job

		JustBeforeEach(func() {
			decode(upload("invoice.png", pagePNG(0)), &job)
			service.Wait()
		})

		It("should report the file status", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/files/" + job.FileID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var f document.File
			decode(resp, &f)
			Expect(f.ID).To(Equal(job.FileID))
			Expect(f.Status.Terminal()).To(BeTrue())
			Expect(f.PageIDs).To(HaveLen(1))
		})

		It("should list the documents", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/documents")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var records []canonical.Record
			decode(resp, &records)
			Expect(records).To(HaveLen(1))
			Expect(records[0].Supplier).To(Equal("ACME FOODS LTD"))
		})

		It("should filter the documents by status", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/documents?status=processing")
			Expect(err).NotTo(HaveOccurred())

			var records []canonical.Record
			decode(resp, &records)
			Expect(records).To(BeEmpty())
		})

		It("should return the downstream record", func() {
			docs, err := service.ListDocuments()
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(ghttpServer.URL() + "/api/documents/" + docs[0].ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var raw map[string]any
			decode(resp, &raw)
			Expect(raw).To(HaveKeyWithValue("id", docs[0].ID))
			Expect(raw).To(HaveKey("field_confidence"))
			Expect(raw).NotTo(HaveKey("breakdown"))
		})

		It("should return the confidence breakdown on request", func() {
			docs, err := service.ListDocuments()
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(ghttpServer.URL() + "/api/documents/" + docs[0].ID + "?detail=true")
			Expect(err).NotTo(HaveOccurred())

			var raw map[string]any
			decode(resp, &raw)
			Expect(raw).To(HaveKey("breakdown"))
			Expect(raw).To(HaveKey("version"))
		})

		It("should accept a retry", func() {
			docs, err := service.ListDocuments()
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Post(ghttpServer.URL()+"/api/documents/"+docs[0].ID+"/retry", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			var r canonical.Record
			decode(resp, &r)
			Expect(r.Status).To(Equal(document.StatusProcessing))
		})

		It("should reject a retry while one is running", func() {
			docs, err := service.ListDocuments()
			Expect(err).NotTo(HaveOccurred())
			extractor.hold()
			_, err = service.Retry(context.Background(), docs[0].ID)
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Post(ghttpServer.URL()+"/api/documents/"+docs[0].ID+"/retry", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			resp.Body.Close()
		})

		It("should serve the page image", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/artifacts/" + PageKey(job.FileID, 0))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
		})

		It("should report the counters", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/metrics")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var snap Snapshot
			decode(resp, &snap)
			Expect(snap.Processed).To(Equal(int64(1)))
			Expect(snap.MaxInflight).To(Equal(int64(1)))
			Expect(snap.Inflight).To(BeZero())
		})
	})

	Describe("missing records", func() {
		It("should return not found for an unknown file", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/files/missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("should return not found for an unknown document", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/documents/missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("should return not found when retrying an unknown document", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/documents/missing/retry", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("should return not found for an unknown artifact", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/artifacts/pages/missing/000.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})
	})

	When("basic auth is configured", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/documents")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			resp.Body.Close()
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/documents", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})

		It("should reject a wrong password", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/documents", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			resp.Body.Close()
		})
	})

	Describe("request handling", func() {
		It("should tag each response with a request id", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/documents")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.Header.Get("X-Request-ID")).NotTo(BeEmpty())
		})

		It("should echo a caller's request id", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/documents", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("X-Request-ID", "trace-42")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.Header.Get("X-Request-ID")).To(Equal("trace-42"))
		})

		When("an upload is larger than the limit", func() {
			JustBeforeEach(func() {
				server.maxUpload = 1024
			})

			It("should return request entity too large", func() {
				resp := upload("big.png", bytes.Repeat([]byte("x"), 4096))
				var body map[string]string
				decode(resp, &body)
				Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
				Expect(body["error"]).To(ContainSubstring("too large"))
				Expect(extractor.totalCalls()).To(BeZero())
			})
		})
	})

	When("the method does not match a route", func() {
		It("should return method not allowed", func() {
			req, err := http.NewRequest("DELETE", ghttpServer.URL()+"/api/documents", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
			resp.Body.Close()
		})
	})
})
