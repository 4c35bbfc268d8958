package capture

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/voucher-capture/internal/checkpoint"
	"github.com/zombor/voucher-capture/internal/ledger"
	"github.com/zombor/voucher-capture/internal/scanning"
	"github.com/zombor/voucher-capture/internal/sink"
	"github.com/zombor/voucher-capture/internal/voucher"
)

// blobFetcher serves every blob: reference with the same image
type blobFetcher struct{}

func (blobFetcher) FetchMedia(ctx context.Context, ref string) (*voucher.Media, error) {
	if !strings.HasPrefix(ref, "blob:") {
		return nil, io.ErrUnexpectedEOF
	}
	return &voucher.Media{Data: []byte("png-bytes"), ContentType: "image/png"}, nil
}

// stubScanner is a mock implementation of scanning.Scanner
type stubScanner struct{}

func (stubScanner) ScanVoucher(ctx context.Context, imageData []byte, contentType string) (*scanning.VoucherData, error) {
	return &scanning.VoucherData{OperationNumber: "556677", Bank: "YAPE", Amount: 35.5}, nil
}

func (stubScanner) Close() error {
	return nil
}

var _ = Describe("Capture to review", func() {
	var (
		dir      string
		feed     *fakeFeed
		db       *ledger.BoltDB
		storage  *ledger.LocalStorage
		engine   *Engine
		ghServer *ghttp.Server
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		csvPath := filepath.Join(dir, "vouchers.csv")
		jsonlPath := filepath.Join(dir, "vouchers.jsonl")

		csvSink, err := sink.NewCSV(csvPath)
		Expect(err).NotTo(HaveOccurred())
		jsonlSink := sink.NewJSONL(jsonlPath)

		db, err = ledger.NewBoltDB(filepath.Join(dir, "ledger.db"))
		Expect(err).NotTo(HaveOccurred())

		storage, err = ledger.NewLocalStorage(filepath.Join(dir, "media"))
		Expect(err).NotTo(HaveOccurred())

		feed = &fakeFeed{items: []Item{voucherItem("m1", 10), voucherItem("m2", 20)}}
		builder := voucher.NewBuilder(blobFetcher{}, storage, stubScanner{}, nil)
		store := checkpoint.NewStore(filepath.Join(dir, "checkpoint.json"), csvPath, jsonlPath, nil)

		engine = NewEngine(feed, builder, store, []Sink{csvSink, jsonlSink, db}, nil, testConfig(), nil)

		server := ledger.NewServer(ledger.NewService(db, storage, engine), ledger.BasicAuth{})
		ghServer = ghttp.NewServer()
		ghServer.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		ghServer.Close()
		db.Close()
	})

	JustBeforeEach(func() {
		n, err := engine.Sweep(context.Background(), "")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
	})

	get := func(path string) *http.Response {
		resp, err := http.Get(ghServer.URL() + path)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	It("lists the captured records newest first", func() {
		resp := get("/api/records")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var records []*voucher.Record
		Expect(json.NewDecoder(resp.Body).Decode(&records)).To(Succeed())
		Expect(records).To(HaveLen(2))
		Expect(records[0].ID).To(Equal("m2"))
		Expect(records[0].Scan.OperationNumber).To(Equal("556677"))
		Expect(records[0].PrimaryMedia().Path).To(Equal("m2.png"))
	})

	It("serves the stored voucher image", func() {
		resp := get("/api/records/m1/media")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(Equal([]byte("png-bytes")))
	})

	It("reports the live checkpoint", func() {
		resp := get("/api/checkpoint")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var snap checkpoint.Snapshot
		Expect(json.NewDecoder(resp.Body).Decode(&snap)).To(Succeed())
		Expect(snap.LastID).To(Equal("m2"))
		Expect(snap.ProcessedIDs).To(Equal([]string{"m1", "m2"}))
	})

	It("indexes records by signature", func() {
		rec, err := db.FindBySignature(engine.Snapshot().LastSignature)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.ID).To(Equal("m2"))
	})
})
