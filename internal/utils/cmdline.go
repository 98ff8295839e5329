package utils

import (
	"os"
	"strings"
)

func procCmdline() string {
	// Override for tests and containers
	if cmdline := os.Getenv("HOST_PROC_CMDLINE"); cmdline != "" {
		dat, _ := os.ReadFile(cmdline)
		return string(dat)
	}
	dat, _ := os.ReadFile("/proc/cmdline")
	return string(dat)
}

// ReadCMDLineArg returns the values of a given kernel cmdline stanza. Stanzas
// without a value ("capsuled.debug") report a single empty entry so callers
// can test for presence with len().
func ReadCMDLineArg(arg string) []string {
	res := []string{}
	fields := strings.Fields(procCmdline())
	for _, f := range fields {
		if strings.HasPrefix(f, arg) {
			dat := strings.Split(f, arg)
			res = append(res, dat[1])
		}
	}
	return res
}

// InRecovery reports whether the capsuled.recovery stanza is on the cmdline.
// Data capsules are never trusted while in recovery.
func InRecovery() bool {
	return len(ReadCMDLineArg("capsuled.recovery")) > 0
}
