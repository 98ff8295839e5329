package repo

import (
	"sort"

	"github.com/capsuleos/capsuled/pkg/capsule"
)

// SelectForActivation picks, per capsule name, which handles to activate.
//
// Per name: skip names with no pre-installed counterpart; shared-libs
// capsules emit every distinct (version, signing key) handle since multiple
// versions intentionally coexist; otherwise the highest version wins, a
// version tie prefers the data handle, and a winner whose signing key differs
// from the pre-installed one falls back to the pre-installed handle.
//
// The result is deterministically ordered: shared-libs first, then by name,
// then by version. OTA and runtime must agree on it.
func (r *Repository) SelectForActivation() []*capsule.Handle {
	all := r.AllByName()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	var sharedLibs, regular []*capsule.Handle
	for _, name := range names {
		group := all[name]
		if !r.HasPreInstalled(name) {
			continue
		}
		if providesSharedLibs(group) {
			sharedLibs = append(sharedLibs, distinctByVersionAndKey(group)...)
			continue
		}
		if winner := r.pickWinner(name, group); winner != nil {
			regular = append(regular, winner)
		}
	}
	return append(sharedLibs, regular...)
}

func providesSharedLibs(group []*capsule.Handle) bool {
	for _, h := range group {
		if h.ProvidesSharedLibs {
			return true
		}
	}
	return false
}

func distinctByVersionAndKey(group []*capsule.Handle) []*capsule.Handle {
	type vk struct {
		version int64
		key     string
	}
	seen := map[vk]bool{}
	var out []*capsule.Handle
	for _, h := range group {
		k := vk{h.Version, h.KeyFingerprint}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (r *Repository) pickWinner(name string, group []*capsule.Handle) *capsule.Handle {
	pre, _ := r.GetPreInstalled(name)

	var winner *capsule.Handle
	for _, h := range group {
		switch {
		case winner == nil:
			winner = h
		case h.Version > winner.Version:
			winner = h
		case h.Version == winner.Version && !r.IsPreInstalled(h):
			// Same version on both sides: the data copy answers.
			winner = h
		}
	}
	if winner == nil {
		return nil
	}
	if pre != nil && winner.KeyFingerprint != pre.KeyFingerprint {
		return pre
	}
	return winner
}
