package mountdb

import (
	"fmt"
	"sort"
)

// Record describes one live capsule mount: which package, backed by which
// loop device and image file, mounted where, and through which verity device.
// VerityDevice is empty when the image is mounted straight off the loop.
type Record struct {
	PackageName  string
	Version      int64
	LoopDevice   string
	ImageFile    string
	MountPoint   string
	VerityDevice string
}

// less is a total order over records, lexicographic on (loop, image, mount,
// verity). Only used as a deterministic iteration tie-break.
func (r Record) less(other Record) bool {
	if r.LoopDevice != other.LoopDevice {
		return r.LoopDevice < other.LoopDevice
	}
	if r.ImageFile != other.ImageFile {
		return r.ImageFile < other.ImageFile
	}
	if r.MountPoint != other.MountPoint {
		return r.MountPoint < other.MountPoint
	}
	return r.VerityDevice < other.VerityDevice
}

type entry struct {
	Record
	seq int // insertion order, breaks latest ties
}

// Database indexes live capsule mounts by package name and enforces global
// uniqueness of loop devices and verity device names. It is a process-local
// cache owned by the primary thread: no locking, rebuilt from kernel state on
// startup.
type Database struct {
	byName   map[string][]entry
	byLoop   map[string]Record
	byVerity map[string]Record
	nextSeq  int
}

func New() *Database {
	return &Database{
		byName:   map[string][]entry{},
		byLoop:   map[string]Record{},
		byVerity: map[string]Record{},
	}
}

// Add inserts a record. A duplicate loop device or verity device name means
// the daemon is about to collide with itself in a kernel namespace; that is
// an invariant violation and panics rather than corrupt kernel state.
func (db *Database) Add(r Record) {
	if _, ok := db.byLoop[r.LoopDevice]; ok {
		panic(fmt.Sprintf("mountdb: duplicate loop device %s", r.LoopDevice))
	}
	if r.VerityDevice != "" {
		if _, ok := db.byVerity[r.VerityDevice]; ok {
			panic(fmt.Sprintf("mountdb: duplicate verity device %s", r.VerityDevice))
		}
		db.byVerity[r.VerityDevice] = r
	}
	db.byLoop[r.LoopDevice] = r
	db.byName[r.PackageName] = append(db.byName[r.PackageName], entry{Record: r, seq: db.nextSeq})
	db.nextSeq++
}

// Remove drops the record for (packageName, imageFile). Removing a record
// that is not there is a no-op. The image file, not the version, identifies
// the record: equal (name, version) pairs legally coexist for shared-libs
// capsules and only the image tells them apart.
func (db *Database) Remove(packageName, imageFile string) {
	entries := db.byName[packageName]
	for i, e := range entries {
		if e.ImageFile != imageFile {
			continue
		}
		delete(db.byLoop, e.LoopDevice)
		if e.VerityDevice != "" {
			delete(db.byVerity, e.VerityDevice)
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(db.byName, packageName)
		} else {
			db.byName[packageName] = entries
		}
		return
	}
}

// latestIn picks the entry with the highest version; ties go to the earliest
// inserted.
func latestIn(entries []entry) entry {
	best := entries[0]
	for _, e := range entries[1:] {
		if e.Version > best.Version {
			best = e
		}
	}
	return best
}

func sortedRecords(entries []entry) []Record {
	recs := make([]Record, len(entries))
	for i, e := range entries {
		recs[i] = e.Record
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].less(recs[j]) })
	return recs
}

// ForAll visits every record; latest is true for the record answering the
// bare package name. Iteration order is deterministic: names sorted, records
// in their total order.
func (db *Database) ForAll(fn func(name string, r Record, latest bool)) {
	names := make([]string, 0, len(db.byName))
	for name := range db.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		db.ForAllByName(name, func(r Record, latest bool) {
			fn(name, r, latest)
		})
	}
}

// ForAllByName visits the records of one package.
func (db *Database) ForAllByName(name string, fn func(r Record, latest bool)) {
	entries := db.byName[name]
	if len(entries) == 0 {
		return
	}
	latest := latestIn(entries)
	for _, r := range sortedRecords(entries) {
		fn(r, r == latest.Record)
	}
}

// GetLatest returns the record answering the bare package name.
func (db *Database) GetLatest(name string) (Record, bool) {
	entries := db.byName[name]
	if len(entries) == 0 {
		return Record{}, false
	}
	return latestIn(entries).Record, true
}

// Get returns the record for (name, imageFile).
func (db *Database) Get(name, imageFile string) (Record, bool) {
	for _, e := range db.byName[name] {
		if e.ImageFile == imageFile {
			return e.Record, true
		}
	}
	return Record{}, false
}

// DoIfNotLatest runs action on the (name, imageFile) record only when that
// record is not the one answering the bare package name, and returns the
// action's error. Uninstall paths go through this so they can never tear down
// the version currently published.
func (db *Database) DoIfNotLatest(name, imageFile string, action func(Record) error) error {
	rec, ok := db.Get(name, imageFile)
	if !ok {
		return nil
	}
	if latest, ok := db.GetLatest(name); ok && latest == rec {
		return nil
	}
	return action(rec)
}

// Records returns a snapshot of every record in deterministic order.
func (db *Database) Records() []Record {
	var out []Record
	db.ForAll(func(_ string, r Record, _ bool) { out = append(out, r) })
	return out
}

// Size returns the number of live records.
func (db *Database) Size() int {
	n := 0
	for _, entries := range db.byName {
		n += len(entries)
	}
	return n
}

// Reset drops every record. Used before a kernel-state rebuild; nothing held
// in memory across invocations is trusted.
func (db *Database) Reset() {
	db.byName = map[string][]entry{}
	db.byLoop = map[string]Record{}
	db.byVerity = map[string]Record{}
	db.nextSeq = 0
}
