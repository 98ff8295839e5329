package engine

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/capsuleos/capsuled/internal/utils"
	"github.com/capsuleos/capsuled/pkg/mountdb"
)

// CapsuleInfo is one entry of the activation manifest consumed by external
// readers.
type CapsuleInfo struct {
	XMLName                xml.Name `xml:"capsule-info"`
	ModuleName             string   `xml:"moduleName,attr"`
	ModulePath             string   `xml:"modulePath,attr"`
	PreinstalledModulePath string   `xml:"preinstalledModulePath,attr"`
	VersionCode            int64    `xml:"versionCode,attr"`
	VersionName            string   `xml:"versionName,attr"`
	IsFactory              bool     `xml:"isFactory,attr"`
	IsActive               bool     `xml:"isActive,attr"`
}

// CapsuleInfoList is the root element of the activation manifest.
type CapsuleInfoList struct {
	XMLName  xml.Name      `xml:"capsule-info-list"`
	Capsules []CapsuleInfo `xml:"capsule-info"`
}

// WriteInfoList emits the manifest listing every known capsule: isFactory for
// the pre-installed handles, isActive for the ones whose image currently
// backs a mount.
func (c *Context) WriteInfoList() error {
	list := CapsuleInfoList{}

	active := map[string]bool{}
	c.DB.ForAll(func(_ string, rec mountdb.Record, _ bool) {
		active[rec.ImageFile] = true
	})

	for name, group := range c.Repo.AllByName() {
		pre, _ := c.Repo.GetPreInstalled(name)
		prePath := ""
		if pre != nil {
			prePath = pre.Path
		}
		for _, h := range group {
			path := h.Path
			if h.Compressed {
				if m, ok := c.materialized[h.MountName()]; ok {
					path = m.Path
				}
			}
			list.Capsules = append(list.Capsules, CapsuleInfo{
				ModuleName:             h.Name,
				ModulePath:             path,
				PreinstalledModulePath: prePath,
				VersionCode:            h.Version,
				VersionName:            strconv.FormatInt(h.Version, 10),
				IsFactory:              c.Repo.IsPreInstalled(h),
				IsActive:               active[path],
			})
		}
	}
	sort.Slice(list.Capsules, func(i, j int) bool {
		if list.Capsules[i].ModuleName != list.Capsules[j].ModuleName {
			return list.Capsules[i].ModuleName < list.Capsules[j].ModuleName
		}
		return list.Capsules[i].VersionCode < list.Capsules[j].VersionCode
	})

	raw, err := xml.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	raw = append([]byte(xml.Header), raw...)

	if err := utils.CreateIfNotExists(c.CapsuleRoot); err != nil {
		return err
	}
	path := filepath.Join(c.CapsuleRoot, constants.InfoListFile)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return err
	}
	utils.Log.Info().Str("path", path).Int("capsules", len(list.Capsules)).Msg("Wrote capsule info list")
	return nil
}
