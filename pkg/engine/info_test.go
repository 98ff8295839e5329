package engine_test

import (
	"encoding/xml"
	"os"
	"path/filepath"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/capsuleos/capsuled/pkg/capsule"
	"github.com/capsuleos/capsuled/pkg/engine"
	"github.com/capsuleos/capsuled/pkg/mountdb"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func writeCapsule(dir string, m capsule.Manifest) string {
	path := filepath.Join(dir, capsule.MountName(m.Name, m.Version)+constants.CapsuleExt)
	Expect(capsule.Write(path, m, []byte("image payload"))).To(Succeed())
	return path
}

// mountRecord fakes a live activation of the capsule at path.
func mountRecord(c *engine.Context, name string, version int64, path, loop string) mountdb.Record {
	return mountdb.Record{
		PackageName: name,
		Version:     version,
		LoopDevice:  loop,
		ImageFile:   path,
		MountPoint:  filepath.Join(c.CapsuleRoot, capsule.MountName(name, version)),
	}
}

var _ = Describe("activation manifest", func() {
	var c *engine.Context
	var builtinDir, dataDir string

	readList := func() engine.CapsuleInfoList {
		raw, err := os.ReadFile(filepath.Join(c.CapsuleRoot, constants.InfoListFile))
		Expect(err).ToNot(HaveOccurred())
		var list engine.CapsuleInfoList
		Expect(xml.Unmarshal(raw, &list)).To(Succeed())
		return list
	}

	find := func(list engine.CapsuleInfoList, name string, version int64) engine.CapsuleInfo {
		for _, info := range list.Capsules {
			if info.ModuleName == name && info.VersionCode == version {
				return info
			}
		}
		Fail("no manifest entry for " + capsule.MountName(name, version))
		return engine.CapsuleInfo{}
	}

	BeforeEach(func() {
		builtinDir = GinkgoT().TempDir()
		dataDir = GinkgoT().TempDir()
		c = engine.NewContext(false)
		c.CapsuleRoot = GinkgoT().TempDir()
		c.BuiltinDirs = []string{builtinDir}
		c.DataDir = dataDir
	})

	It("marks pre-installed active capsules as factory and active", func() {
		pathA := writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		pathB := writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.b", Version: 1, KeyFingerprint: "k1"})
		Expect(c.Repo.AddPreInstalled([]string{builtinDir})).To(Succeed())

		c.DB.Add(mountRecord(c, "com.capsule.a", 1, pathA, "/dev/loop0"))
		c.DB.Add(mountRecord(c, "com.capsule.b", 1, pathB, "/dev/loop1"))

		Expect(c.WriteInfoList()).To(Succeed())
		list := readList()
		Expect(list.Capsules).To(HaveLen(2))
		for _, info := range list.Capsules {
			Expect(info.IsFactory).To(BeTrue())
			Expect(info.IsActive).To(BeTrue())
			Expect(info.PreinstalledModulePath).To(Equal(info.ModulePath))
		}
	})

	It("lists a superseded pre-installed capsule as factory but inactive", func() {
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		pathB := writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.b", Version: 1, KeyFingerprint: "k1"})
		dataA := writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 2, KeyFingerprint: "k1"})
		Expect(c.Repo.AddPreInstalled([]string{builtinDir})).To(Succeed())
		Expect(c.Repo.AddData(dataDir)).To(Succeed())

		c.DB.Add(mountRecord(c, "com.capsule.a", 2, dataA, "/dev/loop0"))
		c.DB.Add(mountRecord(c, "com.capsule.b", 1, pathB, "/dev/loop1"))

		Expect(c.WriteInfoList()).To(Succeed())
		list := readList()
		Expect(list.Capsules).To(HaveLen(3))

		a1 := find(list, "com.capsule.a", 1)
		Expect(a1.IsFactory).To(BeTrue())
		Expect(a1.IsActive).To(BeFalse())

		a2 := find(list, "com.capsule.a", 2)
		Expect(a2.IsFactory).To(BeFalse())
		Expect(a2.IsActive).To(BeTrue())
		Expect(a2.ModulePath).To(Equal(dataA))

		b1 := find(list, "com.capsule.b", 1)
		Expect(b1.IsFactory).To(BeTrue())
		Expect(b1.IsActive).To(BeTrue())
	})

	It("points the entry of a data capsule at the data file on a version tie", func() {
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		dataA := writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		Expect(c.Repo.AddPreInstalled([]string{builtinDir})).To(Succeed())
		Expect(c.Repo.AddData(dataDir)).To(Succeed())

		selected := c.Repo.SelectForActivation()
		Expect(selected).To(HaveLen(1))
		Expect(selected[0].Path).To(Equal(dataA))

		c.DB.Add(mountRecord(c, "com.capsule.a", 1, dataA, "/dev/loop0"))

		Expect(c.WriteInfoList()).To(Succeed())
		list := readList()
		active := 0
		for _, info := range list.Capsules {
			if info.IsActive {
				active++
				Expect(info.ModulePath).To(Equal(dataA))
			}
		}
		Expect(active).To(Equal(1))
	})

	It("keeps a wrong-key data capsule out of the manifest entirely", func() {
		writeCapsule(builtinDir, capsule.Manifest{Name: "com.capsule.a", Version: 1, KeyFingerprint: "k1"})
		writeCapsule(dataDir, capsule.Manifest{Name: "com.capsule.a", Version: 2, KeyFingerprint: "rogue"})
		Expect(c.Repo.AddPreInstalled([]string{builtinDir})).To(Succeed())
		Expect(c.Repo.AddData(dataDir)).To(Succeed())

		Expect(c.WriteInfoList()).To(Succeed())
		Expect(readList().Capsules).To(HaveLen(1))
	})
})
