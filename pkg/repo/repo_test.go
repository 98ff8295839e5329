package repo_test

import (
	"os"
	"path/filepath"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/capsuleos/capsuled/pkg/capsule"
	"github.com/capsuleos/capsuled/pkg/repo"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// writeCapsule crafts a capsule fixture in dir and returns its path.
func writeCapsule(dir string, m capsule.Manifest) string {
	path := filepath.Join(dir, capsule.MountName(m.Name, m.Version)+constants.CapsuleExt)
	Expect(capsule.Write(path, m, []byte("image payload"))).To(Succeed())
	return path
}

var _ = Describe("capsule repository", func() {
	var builtinDir, dataDir string
	var r *repo.Repository

	BeforeEach(func() {
		builtinDir = GinkgoT().TempDir()
		dataDir = GinkgoT().TempDir()
		r = repo.New()
	})

	Context("AddPreInstalled", func() {
		It("collects capsules from several directories", func() {
			otherDir := GinkgoT().TempDir()
			writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
			writeCapsule(otherDir, capsule.Manifest{Name: "com.capsule.b", Version: 1, KeyFingerprint: "k1"})

			Expect(r.AddPreInstalled([]string{builtinDir, otherDir})).To(Succeed())
			Expect(r.HasPreInstalled("com.capsule.a")).To(BeTrue())
			Expect(r.HasPreInstalled("com.capsule.b")).To(BeTrue())
		})

		It("ignores directories that do not exist", func() {
			Expect(r.AddPreInstalled([]string{"/does/not/exist"})).To(Succeed())
		})

		It("rejects duplicate pre-installed names", func() {
			otherDir := GinkgoT().TempDir()
			writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
			writeCapsule(otherDir, capsule.Manifest{Name: "com.capsule.a", Version: 2, KeyFingerprint: "k1"})

			err := r.AddPreInstalled([]string{builtinDir, otherDir})
			Expect(err).To(MatchError(constants.ErrDuplicatePreinstalled))
		})

		It("fails on a malformed pre-installed capsule", func() {
			bad := filepath.Join(builtinDir, "bad.capsule")
			Expect(os.WriteFile(bad, []byte("not a capsule"), 0644)).To(Succeed())

			err := r.AddPreInstalled([]string{builtinDir})
			Expect(err).To(MatchError(constants.ErrMalformedCapsule))
		})

		It("skips files without a capsule extension", func() {
			Expect(os.WriteFile(filepath.Join(builtinDir, "README"), []byte("hi"), 0644)).To(Succeed())
			Expect(r.AddPreInstalled([]string{builtinDir})).To(Succeed())
			Expect(r.AllByName()).To(BeEmpty())
		})
	})

	Context("AddData", func() {
		BeforeEach(func() {
			writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
			Expect(r.AddPreInstalled([]string{builtinDir})).To(Succeed())
		})

		It("accepts a data capsule with a matching pre-installed key", func() {
			writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 2, KeyFingerprint: "k1"})
			Expect(r.AddData(dataDir)).To(Succeed())

			h, err := r.GetData("com.capsule.a")
			Expect(err).ToNot(HaveOccurred())
			Expect(h.Version).To(Equal(int64(2)))
		})

		It("rejects a data capsule without a pre-installed counterpart", func() {
			writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.nope", Version: 1, KeyFingerprint: "k1"})
			Expect(r.AddData(dataDir)).To(Succeed())

			_, err := r.GetData("com.capsule.nope")
			Expect(err).To(MatchError(constants.ErrNotFound))
		})

		It("rejects a data capsule signed with a different key", func() {
			writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 2, KeyFingerprint: "rogue"})
			Expect(r.AddData(dataDir)).To(Succeed())

			_, err := r.GetData("com.capsule.a")
			Expect(err).To(MatchError(constants.ErrNotFound))
		})

		It("keeps a shared-libs data capsule with a different key", func() {
			libsBuiltin := GinkgoT().TempDir()
			writeCapsule(libsBuiltin, capsule.Manifest{Name: "com.capsule.libs", Version: 1, KeyFingerprint: "k1", ProvidesSharedLibs: true})
			fresh := repo.New()
			Expect(fresh.AddPreInstalled([]string{libsBuiltin})).To(Succeed())

			writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.libs", Version: 2, KeyFingerprint: "k2", ProvidesSharedLibs: true})
			Expect(fresh.AddData(dataDir)).To(Succeed())

			h, err := fresh.GetData("com.capsule.libs")
			Expect(err).ToNot(HaveOccurred())
			Expect(h.KeyFingerprint).To(Equal("k2"))
		})

		It("skips malformed data capsules without failing the scan", func() {
			Expect(os.WriteFile(filepath.Join(dataDir, "bad.capsule"), []byte("junk"), 0644)).To(Succeed())
			writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 2, KeyFingerprint: "k1"})

			Expect(r.AddData(dataDir)).To(Succeed())
			_, err := r.GetData("com.capsule.a")
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Context("lookups", func() {
		BeforeEach(func() {
			writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
			writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 2, KeyFingerprint: "k1"})
			Expect(r.AddPreInstalled([]string{builtinDir})).To(Succeed())
			Expect(r.AddData(dataDir)).To(Succeed())
		})

		It("groups both sides by name", func() {
			all := r.AllByName()
			Expect(all).To(HaveLen(1))
			Expect(all["com.capsule.a"]).To(HaveLen(2))
		})

		It("identifies the pre-installed handle by path", func() {
			pre, err := r.GetPreInstalled("com.capsule.a")
			Expect(err).ToNot(HaveOccurred())
			data, err := r.GetData("com.capsule.a")
			Expect(err).ToNot(HaveOccurred())

			Expect(r.IsPreInstalled(pre)).To(BeTrue())
			Expect(r.IsPreInstalled(data)).To(BeFalse())
		})

		It("reports uncompressed versions for reservation decisions", func() {
			Expect(r.HasUncompressedVersion("com.capsule.a", 2)).To(BeTrue())
			Expect(r.HasUncompressedVersion("com.capsule.a", 3)).To(BeFalse())
			Expect(r.HasUncompressedVersion("com.capsule.missing", 1)).To(BeFalse())
		})
	})
})
