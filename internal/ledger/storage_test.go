package ledger

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage *LocalStorage
	)

	BeforeEach(func() {
		tmpDir = filepath.Join(GinkgoT().TempDir(), "media")
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	It("creates the directory", func() {
		info, err := os.Stat(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})

	When("saving a file", func() {
		It("returns the relative name", func() {
			name, err := storage.Save("m1.jpg", []byte("data"))
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("m1.jpg"))
		})

		It("can be read back", func() {
			name, err := storage.Save("m1.jpg", []byte("data"))
			Expect(err).NotTo(HaveOccurred())
			data, err := storage.Get(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("data")))
		})

		It("keeps files inside the root", func() {
			name, err := storage.Save("../escape.jpg", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("escape.jpg"))
			_, err = os.Stat(filepath.Join(tmpDir, "escape.jpg"))
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("the file does not exist", func() {
		It("returns an error", func() {
			_, err := storage.Get("missing.jpg")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})
})
