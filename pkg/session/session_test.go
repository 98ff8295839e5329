package session_test

import (
	"os"
	"path/filepath"

	"github.com/capsuleos/capsuled/pkg/session"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/protobuf/encoding/protowire"
)

var _ = Describe("session store", func() {
	var store *session.Store

	BeforeEach(func() {
		store = session.NewStore(GinkgoT().TempDir())
	})

	Context("Create", func() {
		It("creates the session directory with mode 0700 and UNKNOWN state", func() {
			sn, err := store.Create(42)
			Expect(err).ToNot(HaveOccurred())
			Expect(sn.State).To(Equal(session.StateUnknown))

			st, err := os.Stat(filepath.Join(store.Root, "42"))
			Expect(err).ToNot(HaveOccurred())
			Expect(st.IsDir()).To(BeTrue())
			Expect(st.Mode().Perm()).To(Equal(os.FileMode(0700)))

			Expect(filepath.Join(store.Root, "42", "state")).To(BeAnExistingFile())
		})
	})

	Context("Get and GetAll", func() {
		It("round-trips every field", func() {
			sn, err := store.Create(7)
			Expect(err).ToNot(HaveOccurred())
			sn.ChildIDs = []int64{8, 9}
			sn.CapsuleNames = []string{"com.capsule.a", "com.capsule.b"}
			sn.Fingerprint = "build-fp"
			sn.RollbackEnabled = true
			sn.IsRollback = false
			sn.RollbackID = 3
			sn.CrashingProcess = "netd"
			sn.FileHashes = []string{"aa", "bb"}
			Expect(sn.UpdateStateAndCommit(session.StateVerified)).To(Succeed())

			got, err := store.Get(7)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.StateRecord.ID).To(Equal(int64(7)))
			Expect(got.State).To(Equal(session.StateVerified))
			Expect(got.ChildIDs).To(Equal([]int64{8, 9}))
			Expect(got.CapsuleNames).To(Equal([]string{"com.capsule.a", "com.capsule.b"}))
			Expect(got.Fingerprint).To(Equal("build-fp"))
			Expect(got.RollbackEnabled).To(BeTrue())
			Expect(got.IsRollback).To(BeFalse())
			Expect(got.RollbackID).To(Equal(int64(3)))
			Expect(got.CrashingProcess).To(Equal("netd"))
			Expect(got.FileHashes).To(Equal([]string{"aa", "bb"}))
		})

		It("returns sessions sorted by id and skips junk entries", func() {
			_, err := store.Create(10)
			Expect(err).ToNot(HaveOccurred())
			_, err = store.Create(2)
			Expect(err).ToNot(HaveOccurred())
			Expect(os.MkdirAll(filepath.Join(store.Root, "not-a-session"), 0700)).To(Succeed())

			all := store.GetAll()
			Expect(all).To(HaveLen(2))
			Expect(all[0].StateRecord.ID).To(Equal(int64(2)))
			Expect(all[1].StateRecord.ID).To(Equal(int64(10)))
		})

		It("fails to load a missing session", func() {
			_, err := store.Get(404)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("state machine", func() {
		It("filters by state", func() {
			a, err := store.Create(1)
			Expect(err).ToNot(HaveOccurred())
			Expect(a.UpdateStateAndCommit(session.StateVerified)).To(Succeed())
			_, err = store.Create(2)
			Expect(err).ToNot(HaveOccurred())

			verified := store.GetInState(session.StateVerified)
			Expect(verified).To(HaveLen(1))
			Expect(verified[0].StateRecord.ID).To(Equal(int64(1)))
		})

		It("finds the single active session", func() {
			a, err := store.Create(1)
			Expect(err).ToNot(HaveOccurred())
			Expect(a.UpdateStateAndCommit(session.StateStaged)).To(Succeed())
			done, err := store.Create(2)
			Expect(err).ToNot(HaveOccurred())
			Expect(done.UpdateStateAndCommit(session.StateSuccess)).To(Succeed())

			active, err := store.GetActive()
			Expect(err).ToNot(HaveOccurred())
			Expect(active).ToNot(BeNil())
			Expect(active.StateRecord.ID).To(Equal(int64(1)))
		})

		It("errors when two sessions are active", func() {
			for _, id := range []int64{1, 2} {
				sn, err := store.Create(id)
				Expect(err).ToNot(HaveOccurred())
				Expect(sn.UpdateStateAndCommit(session.StateStaged)).To(Succeed())
			}
			_, err := store.GetActive()
			Expect(err).To(HaveOccurred())
		})

		It("allows only forward transitions", func() {
			Expect(session.StateUnknown.CanTransitionTo(session.StateVerified)).To(BeTrue())
			Expect(session.StateVerified.CanTransitionTo(session.StateStaged)).To(BeTrue())
			Expect(session.StateStaged.CanTransitionTo(session.StateActivated)).To(BeTrue())
			Expect(session.StateActivated.CanTransitionTo(session.StateSuccess)).To(BeTrue())
			Expect(session.StateActivated.CanTransitionTo(session.StateReverted)).To(BeTrue())

			Expect(session.StateStaged.CanTransitionTo(session.StateVerified)).To(BeFalse())
			Expect(session.StateSuccess.CanTransitionTo(session.StateStaged)).To(BeFalse())
			Expect(session.StateReverted.CanTransitionTo(session.StateActivated)).To(BeFalse())
		})

		It("garbage-collects terminal sessions only", func() {
			done, err := store.Create(1)
			Expect(err).ToNot(HaveOccurred())
			Expect(done.UpdateStateAndCommit(session.StateSuccess)).To(Succeed())
			live, err := store.Create(2)
			Expect(err).ToNot(HaveOccurred())
			Expect(live.UpdateStateAndCommit(session.StateStaged)).To(Succeed())

			store.DeleteFinalized()
			all := store.GetAll()
			Expect(all).To(HaveLen(1))
			Expect(all[0].StateRecord.ID).To(Equal(int64(2)))
		})
	})

	Context("wire format", func() {
		It("preserves unknown fields across read-modify-write", func() {
			sn, err := store.Create(5)
			Expect(err).ToNot(HaveOccurred())
			Expect(sn.UpdateStateAndCommit(session.StateVerified)).To(Succeed())

			// A future daemon wrote an extra field with tag 99.
			path := filepath.Join(store.Root, "5", "state")
			raw, err := os.ReadFile(path)
			Expect(err).ToNot(HaveOccurred())
			raw = protowire.AppendTag(raw, 99, protowire.BytesType)
			raw = protowire.AppendString(raw, "from the future")
			Expect(os.WriteFile(path, raw, 0600)).To(Succeed())

			got, err := store.Get(5)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.UpdateStateAndCommit(session.StateStaged)).To(Succeed())

			rewritten, err := os.ReadFile(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(rewritten)).To(ContainSubstring("from the future"))

			reparsed, err := store.Get(5)
			Expect(err).ToNot(HaveOccurred())
			Expect(reparsed.State).To(Equal(session.StateStaged))
		})

		It("round-trips packed child ids", func() {
			rec := session.StateRecord{ID: 1, State: session.StateStaged, ChildIDs: []int64{4, 5}}

			var back session.StateRecord
			Expect(back.Unmarshal(rec.Marshal())).To(Succeed())
			Expect(back.ChildIDs).To(Equal([]int64{4, 5}))
		})

		It("accepts unpacked child id fields", func() {
			// Writers are free to emit repeated varints instead of a packed
			// block; both must parse.
			var raw []byte
			raw = protowire.AppendTag(raw, 1, protowire.VarintType)
			raw = protowire.AppendVarint(raw, 1)
			raw = protowire.AppendTag(raw, 3, protowire.VarintType)
			raw = protowire.AppendVarint(raw, 4)
			raw = protowire.AppendTag(raw, 3, protowire.VarintType)
			raw = protowire.AppendVarint(raw, 5)

			var back session.StateRecord
			Expect(back.Unmarshal(raw)).To(Succeed())
			Expect(back.ChildIDs).To(Equal([]int64{4, 5}))
		})

		It("deletes sessions recursively", func() {
			sn, err := store.Create(9)
			Expect(err).ToNot(HaveOccurred())
			Expect(os.WriteFile(filepath.Join(store.Root, "9", "extra"), []byte("x"), 0600)).To(Succeed())
			Expect(sn.Delete()).To(Succeed())
			Expect(filepath.Join(store.Root, "9")).ToNot(BeADirectory())
		})
	})
})
