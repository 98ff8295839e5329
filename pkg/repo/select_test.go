package repo_test

import (
	"github.com/capsuleos/capsuled/pkg/capsule"
	"github.com/capsuleos/capsuled/pkg/repo"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("selection policy", func() {
	var builtinDir, dataDir string
	var r *repo.Repository

	BeforeEach(func() {
		builtinDir = GinkgoT().TempDir()
		dataDir = GinkgoT().TempDir()
		r = repo.New()
	})

	load := func() {
		Expect(r.AddPreInstalled([]string{builtinDir})).To(Succeed())
		Expect(r.AddData(dataDir)).To(Succeed())
	}

	It("returns the pre-installed set when there are no data copies", func() {
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.b", Version: 1, KeyFingerprint: "k1"})
		load()

		selected := r.SelectForActivation()
		Expect(selected).To(HaveLen(2))
		Expect(selected[0].Name).To(Equal("com.capsule.a"))
		Expect(selected[1].Name).To(Equal("com.capsule.b"))
		for _, h := range selected {
			Expect(r.IsPreInstalled(h)).To(BeTrue())
		}
	})

	It("prefers the higher data version", func() {
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.b", Version: 1, KeyFingerprint: "k1"})
		writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 2, KeyFingerprint: "k1"})
		load()

		selected := r.SelectForActivation()
		Expect(selected).To(HaveLen(2))
		Expect(selected[0].Name).To(Equal("com.capsule.a"))
		Expect(selected[0].Version).To(Equal(int64(2)))
		Expect(r.IsPreInstalled(selected[0])).To(BeFalse())
		Expect(selected[1].Name).To(Equal("com.capsule.b"))
		Expect(selected[1].Version).To(Equal(int64(1)))
	})

	It("prefers the data copy on a version tie", func() {
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		load()

		selected := r.SelectForActivation()
		Expect(selected).To(HaveLen(1))
		Expect(r.IsPreInstalled(selected[0])).To(BeFalse())
	})

	It("ignores a data copy signed with the wrong key", func() {
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 2, KeyFingerprint: "rogue"})
		load()

		selected := r.SelectForActivation()
		Expect(selected).To(HaveLen(1))
		Expect(selected[0].Version).To(Equal(int64(1)))
		Expect(r.IsPreInstalled(selected[0])).To(BeTrue())
	})

	It("skips names without a pre-installed counterpart", func() {
		writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.orphan", Version: 1, KeyFingerprint: "k1"})
		load()

		Expect(r.SelectForActivation()).To(BeEmpty())
	})

	It("emits every distinct version of a shared-libs capsule", func() {
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.libs", Version: 1, KeyFingerprint: "k1", ProvidesSharedLibs: true})
		writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.libs", Version: 2, KeyFingerprint: "k1", ProvidesSharedLibs: true})
		load()

		selected := r.SelectForActivation()
		Expect(selected).To(HaveLen(2))
		Expect(selected[0].Version).To(Equal(int64(1)))
		Expect(selected[1].Version).To(Equal(int64(2)))
	})

	It("orders shared-libs capsules before everything else", func() {
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.aaa", Version: 1, KeyFingerprint: "k1"})
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.zzz.libs", Version: 1, KeyFingerprint: "k1", ProvidesSharedLibs: true})
		load()

		selected := r.SelectForActivation()
		Expect(selected).To(HaveLen(2))
		Expect(selected[0].Name).To(Equal("com.capsule.zzz.libs"))
		Expect(selected[1].Name).To(Equal("com.capsule.aaa"))
	})

	It("is idempotent for the same repository", func() {
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.libs", Version: 1, KeyFingerprint: "k1", ProvidesSharedLibs: true})
		writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 3, KeyFingerprint: "k1"})
		load()

		Expect(r.SelectForActivation()).To(Equal(r.SelectForActivation()))
	})
})
