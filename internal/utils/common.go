package utils

import (
	"os"
	"strings"

	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
	"github.com/joho/godotenv"
)

// CreateIfNotExists makes the given directory unless it is already there.
func CreateIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModePerm)
	}

	return nil
}

// ReadEnv reads an env file into a map. Notice that the file should be
// formatted with proper env vars, one per line.
func ReadEnv(file string) (map[string]string, error) {
	envMap, err := godotenv.Read(file)
	if err != nil {
		return map[string]string{}, err
	}

	return envMap, err
}

// CleanupSlice will clean a slice of strings of empty items.
func CleanupSlice(slice []string) []string {
	var cleanSlice []string
	for _, item := range slice {
		if strings.TrimSpace(item) == "" {
			continue
		}
		cleanSlice = append(cleanSlice, item)
	}
	return cleanSlice
}

// UniqueSlice removes duplicated entries from a slice so we don't mount the same thing twice.
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	var list []string
	for _, entry := range slice {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}

// MountToFstab transforms a mount.Mount into a fstab.Mount so we can later
// write the proper fstab file.
func MountToFstab(m mount.Mount) *fstab.Mount {
	opts := map[string]string{}
	for _, o := range m.Options {
		if strings.Contains(o, "=") {
			dat := strings.Split(o, "=")
			key := dat[0]
			value := dat[1]
			opts[key] = value
		} else {
			opts[o] = ""
		}
	}
	return &fstab.Mount{
		Spec:    m.Source,
		VfsType: m.Type,
		MntOps:  opts,
		Freq:    0,
		PassNo:  0,
	}
}
