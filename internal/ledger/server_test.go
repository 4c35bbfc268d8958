package ledger

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/voucher-capture/internal/checkpoint"
	"github.com/zombor/voucher-capture/internal/voucher"
)

// mockDB is a mock implementation of DB
type mockDB struct {
	records []*voucher.Record
	listErr error
}

func (m *mockDB) SaveRecord(rec *voucher.Record) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *mockDB) GetRecord(id string) (*voucher.Record, error) {
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *mockDB) ListRecords() ([]*voucher.Record, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.records, nil
}

func (m *mockDB) FindBySignature(signature string) (*voucher.Record, error) {
	for _, r := range m.records {
		if r.Signature == signature {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: signature %s", ErrNotFound, signature)
}

func (m *mockDB) Close() error {
	return nil
}

// mockStorage is a mock implementation of Storage
type mockStorage struct {
	files map[string][]byte
}

func (m *mockStorage) Save(filename string, data []byte) (string, error) {
	m.files[filename] = data
	return filename, nil
}

func (m *mockStorage) Get(name string) ([]byte, error) {
	data, ok := m.files[name]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

type fakeCheckpoint struct {
	snap checkpoint.Snapshot
}

func (f fakeCheckpoint) Snapshot() checkpoint.Snapshot {
	return f.snap
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		cp          CheckpointSource
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = &mockDB{}
		storage = &mockStorage{files: map[string][]byte{}}
		cp = fakeCheckpoint{snap: checkpoint.Snapshot{ProcessedIDs: []string{"m1", "m2"}, LastID: "m2", LastSignature: "sig-m2"}}
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		server = NewServerWithMux(NewService(db, storage, cp), auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	get := func(path string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+path, nil)
		Expect(err).NotTo(HaveOccurred())
		if auth.Username != "" {
			req.SetBasicAuth(auth.Username, auth.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("GET /api/records", func() {
		BeforeEach(func() {
			db.records = []*voucher.Record{newRecord("m1", "s1"), newRecord("m2", "s2"), newRecord("m3", "s3")}
			db.records[1].Sender = "Otro"
		})

		It("returns the records newest first", func() {
			resp := get("/api/records")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var records []*voucher.Record
			Expect(json.NewDecoder(resp.Body).Decode(&records)).To(Succeed())
			Expect(records).To(HaveLen(3))
			Expect(records[0].ID).To(Equal("m3"))
		})

		It("finds a record by signature", func() {
			resp := get("/api/records?signature=s2")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var records []*voucher.Record
			Expect(json.NewDecoder(resp.Body).Decode(&records)).To(Succeed())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal("m2"))
		})

		It("returns an empty list for an unknown signature", func() {
			resp := get("/api/records?signature=nope")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var records []*voucher.Record
			Expect(json.NewDecoder(resp.Body).Decode(&records)).To(Succeed())
			Expect(records).To(BeEmpty())
		})

		It("filters by sender and limit", func() {
			resp := get("/api/records?sender=tienda&limit=1")
			defer resp.Body.Close()

			var records []*voucher.Record
			Expect(json.NewDecoder(resp.Body).Decode(&records)).To(Succeed())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal("m3"))
		})

		It("rejects a bad limit", func() {
			resp := get("/api/records?limit=x")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("sets CORS headers", func() {
			resp := get("/api/records")
			defer resp.Body.Close()
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		When("the ledger fails", func() {
			BeforeEach(func() {
				db.listErr = errors.New("boom")
			})

			It("returns status Internal Server Error", func() {
				resp := get("/api/records")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("GET /api/records/{id}", func() {
		BeforeEach(func() {
			db.records = []*voucher.Record{newRecord("m1", "s1")}
		})

		It("returns the record", func() {
			resp := get("/api/records/m1")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var flat map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&flat)).To(Succeed())
			Expect(flat).To(HaveKeyWithValue("data_id", "m1"))
		})

		It("returns status Not Found for unknown ids", func() {
			resp := get("/api/records/nope")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/records/{id}/media", func() {
		BeforeEach(func() {
			db.records = []*voucher.Record{newRecord("m1", "s1")}
			storage.files["m1.jpg"] = []byte("jpeg-bytes")
		})

		It("serves the stored image", func() {
			resp := get("/api/records/m1/media")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal([]byte("jpeg-bytes")))
		})

		When("no media was stored", func() {
			BeforeEach(func() {
				db.records[0].Media[0].Path = ""
			})

			It("returns status Not Found", func() {
				resp := get("/api/records/m1/media")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("GET /api/checkpoint", func() {
		It("returns the live checkpoint", func() {
			resp := get("/api/checkpoint")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var snap checkpoint.Snapshot
			Expect(json.NewDecoder(resp.Body).Decode(&snap)).To(Succeed())
			Expect(snap.LastID).To(Equal("m2"))
			Expect(snap.ProcessedIDs).To(Equal([]string{"m1", "m2"}))
		})

		When("capture is not running", func() {
			BeforeEach(func() {
				cp = nil
			})

			It("returns status Service Unavailable", func() {
				resp := get("/api/checkpoint")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("accepts valid credentials", func() {
			resp := get("/api/records")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("rejects missing credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/records")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("rejects a wrong password", func() {
			req, _ := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/records", nil)
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:nope")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("preflight", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("answers OPTIONS without auth", func() {
			req, _ := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/records", nil)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})
	})
})
