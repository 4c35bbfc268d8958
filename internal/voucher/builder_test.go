package voucher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/voucher-capture/internal/scanning"
)

// mockFetcher is a mock implementation of MediaFetcher
type mockFetcher struct {
	media map[string]*Media
	err   error
	calls []string
}

func (m *mockFetcher) FetchMedia(ctx context.Context, ref string) (*Media, error) {
	m.calls = append(m.calls, ref)
	if m.err != nil {
		return nil, m.err
	}
	media, ok := m.media[ref]
	if !ok {
		return nil, errors.New("blob revoked")
	}
	return media, nil
}

// mockStore is a mock implementation of MediaStore
type mockStore struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func (m *mockStore) Save(filename string, data []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filename] = data
	return "media/" + filename, nil
}

// mockScanner is a mock implementation of scanning.Scanner
type mockScanner struct {
	data *scanning.VoucherData
	err  error
}

func (m *mockScanner) ScanVoucher(ctx context.Context, imageData []byte, contentType string) (*scanning.VoucherData, error) {
	return m.data, m.err
}

func (m *mockScanner) Close() error {
	return nil
}

var _ = Describe("Prepare", func() {
	var (
		msg Message
		rec *Record
		err error
	)

	BeforeEach(func() {
		msg = Message{
			ID:        "false_51999@c.us_3EB0",
			Text:      "Nombre de cliente: Ana\nMétodo de pago: Yape\n",
			Meta:      "[10:42, 3/2/2025] Tienda: ",
			BlobRef:   "blob:https://web.whatsapp.com/1",
			DataRef:   "data:image/jpeg;base64,AAAA",
		}
	})

	JustBeforeEach(func() {
		rec, err = Prepare(msg)
	})

	When("the message is complete", func() {
		It("does not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("fills the record", func() {
			Expect(rec.ID).To(Equal("false_51999@c.us_3EB0"))
			Expect(rec.Timestamp).To(Equal("10:42, 3/2/2025"))
			Expect(rec.Sender).To(Equal("Tienda"))
			Expect(rec.RawText).To(Equal("Nombre de cliente: Ana\nMétodo de pago: Yape"))
			Expect(rec.Fields.Get(FieldPaymentMethod)).To(Equal("Yape"))
			Expect(rec.Media).To(HaveLen(2))
		})

		It("signs the content", func() {
			Expect(rec.Signature).To(Equal(Signature(
				"10:42, 3/2/2025", "Tienda", "Nombre de cliente: Ana\nMétodo de pago: Yape",
				"blob:https://web.whatsapp.com/1", "data:image/jpeg;base64,AAAA",
			)))
		})
	})

	When("the feed reassigns the id", func() {
		It("keeps the same signature", func() {
			other := msg
			other.ID = "false_51999@c.us_NEW"
			again, err := Prepare(other)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Signature).To(Equal(rec.Signature))
		})
	})

	DescribeTable("incomplete messages",
		func(mutate func(*Message)) {
			mutate(&msg)
			_, err := Prepare(msg)
			Expect(err).To(MatchError(ErrIncomplete))
		},
		Entry("no id", func(m *Message) { m.ID = "" }),
		Entry("no media", func(m *Message) { m.BlobRef, m.DataRef = "", "" }),
		Entry("blank media", func(m *Message) { m.BlobRef, m.DataRef = "  ", "" }),
		Entry("no text", func(m *Message) { m.Text = " \n" }),
	)

	When("only the thumbnail has loaded", func() {
		BeforeEach(func() {
			msg.BlobRef = ""
		})

		It("waits for the full image", func() {
			Expect(err).To(MatchError(ErrMediaUnavailable))
			Expect(err).NotTo(MatchError(ErrIncomplete))
			Expect(rec).To(BeNil())
		})

		When("the text is not a voucher either", func() {
			BeforeEach(func() {
				msg.Text = ""
			})

			It("is incomplete", func() {
				Expect(err).To(MatchError(ErrIncomplete))
			})
		})
	})

	When("the text has no voucher fields", func() {
		BeforeEach(func() {
			msg.Text = "Nombre de cliente:"
		})

		It("is incomplete", func() {
			Expect(err).To(MatchError(ErrIncomplete))
		})
	})
})

var _ = Describe("Signature", func() {
	It("is stable", func() {
		Expect(Signature("a", "b", "c", "d", "e")).To(Equal(Signature("a", "b", "c", "d", "e")))
	})

	It("changes with any component", func() {
		base := Signature("a", "b", "c", "d", "e")
		Expect(Signature("a", "b", "c", "d", "")).NotTo(Equal(base))
		Expect(Signature("a", "b", "c2", "d", "e")).NotTo(Equal(base))
	})

	It("does not collide when components shift", func() {
		Expect(Signature("ab", "", "c", "", "")).NotTo(Equal(Signature("a", "b", "c", "", "")))
	})
})

// build prepares the message and attaches its media
func build(b *Builder, msg Message) (*Record, error) {
	rec, err := Prepare(msg)
	if err != nil {
		return nil, err
	}
	if err := b.Attach(context.Background(), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

var _ = Describe("Builder", func() {
	var (
		fetcher *mockFetcher
		store   *mockStore
		scanner *mockScanner
		builder *Builder
		msg     Message
		rec     *Record
		err     error
	)

	BeforeEach(func() {
		fetcher = &mockFetcher{media: map[string]*Media{
			"blob:1": {Data: []byte("png-bytes"), ContentType: "image/png"},
		}}
		store = &mockStore{files: map[string][]byte{}}
		scanner = nil
		msg = Message{
			ID:      "true_51@c.us_ABC",
			Text:    "Cuenta: 123",
			BlobRef: "blob:1",
		}
	})

	JustBeforeEach(func() {
		if scanner != nil {
			builder = NewBuilder(fetcher, store, scanner, nil)
		} else {
			builder = NewBuilder(fetcher, store, nil, nil)
		}
		rec, err = build(builder, msg)
	})

	When("the media downloads", func() {
		It("does not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("stores the media under the sanitized id", func() {
			Expect(store.files).To(HaveKeyWithValue("true_51_c_us_ABC.png", []byte("png-bytes")))
		})

		It("records the stored path and content type", func() {
			Expect(rec.PrimaryMedia()).To(Equal(MediaRef{
				Source:      "blob:1",
				Path:        "media/true_51_c_us_ABC.png",
				ContentType: "image/png",
			}))
		})

		It("leaves the scan empty", func() {
			Expect(rec.Scan).To(BeNil())
		})
	})

	When("the media cannot be fetched", func() {
		BeforeEach(func() {
			fetcher.err = errors.New("timeout")
		})

		It("reports the media as unavailable", func() {
			Expect(err).To(MatchError(ErrMediaUnavailable))
			Expect(rec).To(BeNil())
		})
	})

	When("the message is incomplete", func() {
		BeforeEach(func() {
			msg.Text = ""
		})

		It("does not fetch anything", func() {
			Expect(err).To(MatchError(ErrIncomplete))
			Expect(fetcher.calls).To(BeEmpty())
		})
	})

	When("only the thumbnail is rendered", func() {
		BeforeEach(func() {
			msg.BlobRef = ""
			msg.DataRef = "data:image/jpeg;base64,AAAA"
		})

		It("fetches nothing and reports the media as unavailable", func() {
			Expect(err).To(MatchError(ErrMediaUnavailable))
			Expect(fetcher.calls).To(BeEmpty())
		})
	})

	When("the thumbnail is rendered next to the image", func() {
		BeforeEach(func() {
			msg.DataRef = "data:image/jpeg;base64,AAAA"
		})

		It("fetches the full image and keeps the thumbnail as secondary", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(fetcher.calls).To(Equal([]string{"blob:1"}))
			Expect(rec.SecondaryMedia().Source).To(Equal("data:image/jpeg;base64,AAAA"))
		})
	})

	When("the message has no media", func() {
		BeforeEach(func() {
			msg.BlobRef = ""
		})

		It("is not a voucher", func() {
			Expect(err).To(MatchError(ErrIncomplete))
			Expect(fetcher.calls).To(BeEmpty())
		})
	})

	When("saving fails", func() {
		BeforeEach(func() {
			store.err = errors.New("disk full")
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("disk full")))
		})
	})

	When("a scanner is configured", func() {
		BeforeEach(func() {
			scanner = &mockScanner{data: &scanning.VoucherData{OperationNumber: "0042", Amount: 35.5}}
		})

		It("attaches the scan", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Scan.OperationNumber).To(Equal("0042"))
		})

		When("the scan fails", func() {
			BeforeEach(func() {
				scanner.data = nil
				scanner.err = errors.New("quota")
			})

			It("still builds the record", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Scan).To(BeNil())
			})
		})
	})
})

var _ = Describe("Record JSON", func() {
	It("writes a flat object with field keys", func() {
		rec := Record{
			ID:        "m1",
			Timestamp: "ts",
			Sender:    "s",
			RawText:   "Cuenta: 1",
			Fields:    Fields{FieldAccount: "1"},
			Media:     []MediaRef{{Source: "blob:1", Path: "m1.jpg"}},
			Signature: "sig",
		}
		data, err := json.Marshal(rec)
		Expect(err).NotTo(HaveOccurred())

		var flat map[string]any
		Expect(json.Unmarshal(data, &flat)).To(Succeed())
		Expect(flat).To(HaveKeyWithValue("data_id", "m1"))
		Expect(flat).To(HaveKeyWithValue("Cuenta", "1"))
		Expect(flat).To(HaveKeyWithValue("img_src_blob", "blob:1"))
		Expect(flat).To(HaveKeyWithValue("img_file", "m1.jpg"))
		Expect(flat).To(HaveKeyWithValue("signature", "sig"))
	})

	It("reads back the fields and media", func() {
		var rec Record
		err := json.Unmarshal([]byte(`{"data_id":"m2","signature":"x","img_src_blob":"blob:2","img_src_data":"data:1","Detalle":"d","scan":{"operation_number":"9"}}`), &rec)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.ID).To(Equal("m2"))
		Expect(rec.Fields).To(Equal(Fields{FieldDetail: "d"}))
		Expect(rec.Media).To(Equal([]MediaRef{{Source: "blob:2"}, {Source: "data:1"}}))
		Expect(rec.Scan.OperationNumber).To(Equal("9"))
	})
})
