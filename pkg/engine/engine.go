package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid"
	"github.com/spectrocloud-labs/herd"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/capsuleos/capsuled/internal/utils"
	"github.com/capsuleos/capsuled/pkg/capsule"
	"github.com/capsuleos/capsuled/pkg/decompress"
	"github.com/capsuleos/capsuled/pkg/driver"
	"github.com/capsuleos/capsuled/pkg/mountdb"
	"github.com/capsuleos/capsuled/pkg/repo"
	"github.com/capsuleos/capsuled/pkg/session"
)

// Context carries everything one activation run needs: the repository, the
// mounted-package database, the drivers, and the external collaborators.
// There are no process-level singletons; tests and the OTA bootstrap build
// their own.
type Context struct {
	Repo     *repo.Repository
	DB       *mountdb.Database
	Driver   *driver.Driver
	Stage    *decompress.Stage
	Sessions *session.Store

	Checkpoint capsule.Checkpoint
	Metrics    capsule.Metrics
	Vintf      capsule.VintfChecker

	CapsuleRoot      string
	BuiltinDirs      []string
	DataDir          string
	DecompressionDir string
	RuntimeDir       string

	// Bootstrap marks the reduced OTA chroot pipeline: suffixed device
	// names, no sessions, no status property.
	Bootstrap bool
	// InRecovery disables the data side entirely.
	InRecovery bool

	selected     []*capsule.Handle
	materialized map[string]*capsule.Handle
	activated    map[string]*capsule.Handle
}

// deviceSuffix returns the verity device name suffix: "chroot" for the OTA
// bootstrap so the host daemon's live devices are never clobbered, a stable
// per-process tag otherwise.
func deviceSuffix(bootstrap bool) string {
	if bootstrap {
		return constants.ChrootSuffix
	}
	id, err := uuid.NewV4()
	if err != nil {
		// ReadFull on urandom failed; nothing else will work either.
		panic(fmt.Sprintf("engine: cannot generate device suffix: %v", err))
	}
	return id.String()[:8]
}

// NewContext builds a Context with production defaults rooted at the standard
// filesystem layout. Every path can be overridden afterwards for tests.
func NewContext(bootstrap bool) *Context {
	builtinDirs := constants.DefaultBuiltinDirs()
	if env := os.Getenv("CAPSULED_BUILTIN_DIRS"); env != "" {
		builtinDirs = utils.CleanupSlice(filepath.SplitList(env))
	}
	return &Context{
		Repo:     repo.New(),
		DB:       mountdb.New(),
		Driver:   driver.New(deviceSuffix(bootstrap)),
		Stage:    decompress.NewStage(),
		Sessions: session.NewStore(constants.SessionsDir),

		Checkpoint: capsule.NopCheckpoint{},
		Metrics:    capsule.NopMetrics{},
		Vintf:      capsule.NopVintf{},

		CapsuleRoot:      constants.CapsuleRoot,
		BuiltinDirs:      builtinDirs,
		DataDir:          constants.DataDir,
		DecompressionDir: constants.DecompressionDir,
		RuntimeDir:       constants.RuntimeDir,

		Bootstrap:  bootstrap,
		InRecovery: utils.InRecovery(),

		materialized: map[string]*capsule.Handle{},
		activated:    map[string]*capsule.Handle{},
	}
}

func (c *Context) path(p ...string) string {
	return filepath.Join(append([]string{c.CapsuleRoot}, p...)...)
}

// SetStatus publishes the daemon lifecycle to the rest of the OS through the
// runtime status file.
func (c *Context) SetStatus(status string) {
	if c.Bootstrap {
		return
	}
	if err := utils.CreateIfNotExists(c.RuntimeDir); err != nil {
		utils.Log.Err(err).Msg("Cannot create runtime dir")
		return
	}
	path := filepath.Join(c.RuntimeDir, constants.StatusFile)
	if err := os.WriteFile(path, []byte(status), 0644); err != nil {
		utils.Log.Err(err).Str("status", status).Msg("Cannot publish status")
		return
	}
	utils.Log.Info().Str("status", status).Msg("Status published")
}

// WriteDAG writes the dag
func (c *Context) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t)\n", op.Name, op.Background, op.WeakDeps)
			}
		}
	}
	return
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty
func (c *Context) LogIfError(e error, msgContext string) {
	if e != nil {
		utils.Log.Err(e).Msg(msgContext)
	}
}
