package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server  *ghttp.Server
		scanner *Ollama
		request ollamaChatRequest
		data    *VoucherData
		err     error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		scanner, err = NewOllama(server.URL()+"/", "llava")
		Expect(err).NotTo(HaveOccurred())
		request = ollamaChatRequest{}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		data, err = scanner.ScanVoucher(context.Background(), []byte("png-bytes"), "image/png")
	})

	When("the model answers", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					defer GinkgoRecover()
					Expect(json.NewDecoder(r.Body).Decode(&request)).To(Succeed())
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{
						Role:    "assistant",
						Content: `{"operation_number": "556677", "bank": "plin", "date": "05/06/2025", "amount": 20}`,
					},
					Done: true,
				}),
			))
		})

		It("returns the voucher data", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(&VoucherData{
				OperationNumber: "556677",
				Bank:            "PLIN",
				Date:            "2025-06-05",
				Amount:          20,
			}))
		})

		It("sends the image with the prompt", func() {
			Expect(request.Model).To(Equal("llava"))
			Expect(request.Format).To(Equal("json"))
			Expect(request.Stream).To(BeFalse())
			Expect(request.Messages).To(HaveLen(2))
			Expect(request.Messages[1].Content).To(Equal(voucherScanPrompt))
			Expect(request.Messages[1].Images).To(Equal([]string{base64.StdEncoding.EncodeToString([]byte("png-bytes"))}))
		})
	})

	When("the server fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns the status and body", func() {
			Expect(err).To(MatchError(ContainSubstring("status 500")))
			Expect(err).To(MatchError(ContainSubstring("model not loaded")))
		})
	})

	When("the answer is not JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: "blurry image"},
				Done:    true,
			}))
		})

		It("returns a parse error", func() {
			Expect(err).To(MatchError(ContainSubstring("parsing voucher data")))
		})
	})
})
